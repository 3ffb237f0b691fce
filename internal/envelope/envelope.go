// Package envelope seals payloads with authenticated encryption under
// versioned keys supplied by an external key provider.
//
// The envelope never generates or stores keys. Each sealed payload is bound
// to the key version it was sealed under, so rotating the current version
// leaves older payloads readable for as long as their key stays available.
// Losing a key version makes everything sealed under it unreadable; that is
// an accepted failure mode.
package envelope

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/rcliao/hamstore/internal/model"
)

const (
	formatV1       = 0x01
	minMaterialLen = 16
)

// KeyProvider supplies key material. The envelope only reads from it.
type KeyProvider interface {
	CurrentVersion(ctx context.Context) (string, error)
	Material(ctx context.Context, version string) ([]byte, error)
}

// Envelope seals and opens payloads.
type Envelope struct {
	keys KeyProvider
	log  logrus.FieldLogger

	mu    sync.RWMutex
	aeads map[string]derived
}

type derived struct {
	sum  [sha256.Size]byte
	aead cipher.AEAD
}

// New returns an Envelope backed by keys.
func New(keys KeyProvider, log logrus.FieldLogger) *Envelope {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Envelope{
		keys:  keys,
		log:   log.WithField("component", "envelope"),
		aeads: make(map[string]derived),
	}
}

// CurrentVersion reports the provider's active key version.
func (e *Envelope) CurrentVersion(ctx context.Context) (string, error) {
	v, err := e.keys.CurrentVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: current version: %v", model.ErrKeyUnavailable, err)
	}
	return v, nil
}

// Seal encrypts plaintext under version. aad is authenticated but not
// encrypted; callers pass the package ID so sealed payloads cannot be moved
// between packages.
func (e *Envelope) Seal(ctx context.Context, version string, plaintext, aad []byte) ([]byte, error) {
	aead, err := e.aead(ctx, version)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = formatV1
	nonce := out[1 : 1+aead.NonceSize()]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}
	return aead.Seal(out, nonce, plaintext, additional(version, aad)), nil
}

// Usable reports whether version's key can currently be obtained. It returns
// an ErrKeyUnavailable error when it cannot.
func (e *Envelope) Usable(ctx context.Context, version string) error {
	_, err := e.aead(ctx, version)
	return err
}

// Open authenticates and decrypts sealed. Any tampering yields model.ErrIntegrity.
func (e *Envelope) Open(ctx context.Context, version string, sealed, aad []byte) ([]byte, error) {
	aead, err := e.aead(ctx, version)
	if err != nil {
		return nil, err
	}
	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed payload too short (%d bytes)", model.ErrIntegrity, len(sealed))
	}
	if sealed[0] != formatV1 {
		return nil, fmt.Errorf("%w: unknown envelope format 0x%02x", model.ErrIntegrity, sealed[0])
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], additional(version, aad))
	if err != nil {
		e.log.WithFields(logrus.Fields{"key_version": version, "aad": string(aad)}).
			Error("authentication failed while opening payload")
		return nil, fmt.Errorf("%w: %v", model.ErrIntegrity, err)
	}
	return plain, nil
}

// aead asks the provider for version's material on every call, so a version
// the provider withdraws stops working at once. Only the derived cipher is
// cached, keyed by a digest of the material it came from.
func (e *Envelope) aead(ctx context.Context, version string) (cipher.AEAD, error) {
	if version == "" {
		return nil, fmt.Errorf("%w: empty key version", model.ErrKeyUnavailable)
	}
	material, err := e.keys.Material(ctx, version)
	if err != nil {
		e.mu.Lock()
		delete(e.aeads, version)
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %v", model.ErrKeyUnavailable, version, err)
	}
	sum := sha256.Sum256(material)

	e.mu.RLock()
	c, ok := e.aeads[version]
	e.mu.RUnlock()
	if ok && c.sum == sum {
		return c.aead, nil
	}

	a, err := deriveAEAD(version, material)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.aeads[version] = derived{sum: sum, aead: a}
	e.mu.Unlock()
	return a, nil
}

func deriveAEAD(version string, material []byte) (cipher.AEAD, error) {
	if len(material) < minMaterialLen {
		return nil, fmt.Errorf("%w: %s: key material shorter than %d bytes", model.ErrKeyUnavailable, version, minMaterialLen)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, material, nil, []byte("hamstore/envelope/"+version))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key %s: %w", version, err)
	}
	return chacha20poly1305.NewX(key)
}

func additional(version string, aad []byte) []byte {
	out := make([]byte, 0, len(version)+1+len(aad))
	out = append(out, version...)
	out = append(out, 0)
	return append(out, aad...)
}

// ErrUnknownVersion is returned by keyrings for versions they do not hold.
var ErrUnknownVersion = errors.New("envelope: unknown key version")
