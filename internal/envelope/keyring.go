package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// StaticKeyring is an in-process KeyProvider. Its owner (the key-management
// side) may add versions; the envelope only reads.
type StaticKeyring struct {
	mu      sync.RWMutex
	current string
	keys    map[string][]byte
}

// NewStaticKeyring returns a keyring holding keys with current as the active version.
func NewStaticKeyring(current string, keys map[string][]byte) (*StaticKeyring, error) {
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("current version %q has no key material", current)
	}
	k := &StaticKeyring{current: current, keys: make(map[string][]byte, len(keys))}
	for v, m := range keys {
		k.keys[v] = bytes.Clone(m)
	}
	return k, nil
}

// CurrentVersion implements KeyProvider.
func (k *StaticKeyring) CurrentVersion(context.Context) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current, nil
}

// Material implements KeyProvider.
func (k *StaticKeyring) Material(_ context.Context, version string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	m, ok := k.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, version)
	}
	return bytes.Clone(m), nil
}

// Rotate adds version and makes it current. Existing versions are retained.
func (k *StaticKeyring) Rotate(version string, material []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.keys[version]; exists {
		return fmt.Errorf("key version %q already exists", version)
	}
	k.keys[version] = bytes.Clone(material)
	k.current = version
	return nil
}

// Versions lists every held version in sorted order.
func (k *StaticKeyring) Versions() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for v := range k.keys {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// keyringFile is the on-disk YAML layout.
type keyringFile struct {
	Current string            `yaml:"current"`
	Keys    map[string]string `yaml:"keys"` // version -> base64 material
}

// LoadFileKeyring reads a YAML keyring file.
func LoadFileKeyring(path string) (*StaticKeyring, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	var f keyringFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse keyring %s: %w", path, err)
	}
	keys := make(map[string][]byte, len(f.Keys))
	for v, enc := range f.Keys {
		m, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("keyring %s: version %s: %w", path, v, err)
		}
		keys[v] = m
	}
	return NewStaticKeyring(f.Current, keys)
}

// SaveFileKeyring writes k to path atomically with owner-only permissions.
func SaveFileKeyring(path string, k *StaticKeyring) error {
	k.mu.RLock()
	f := keyringFile{Current: k.current, Keys: make(map[string]string, len(k.keys))}
	for v, m := range k.keys {
		f.Keys[v] = base64.StdEncoding.EncodeToString(m)
	}
	k.mu.RUnlock()

	b, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode keyring: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create keyring dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write keyring: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename keyring: %w", err)
	}
	return nil
}

// EnvKeyring reads keys from the environment: <prefix>CURRENT names the
// active version and <prefix><VERSION> holds base64 material for each version.
type EnvKeyring struct {
	Prefix string
}

// CurrentVersion implements KeyProvider.
func (e EnvKeyring) CurrentVersion(context.Context) (string, error) {
	v := os.Getenv(e.prefix() + "CURRENT")
	if v == "" {
		return "", fmt.Errorf("%sCURRENT is not set", e.prefix())
	}
	return v, nil
}

// Material implements KeyProvider.
func (e EnvKeyring) Material(_ context.Context, version string) ([]byte, error) {
	enc := os.Getenv(e.prefix() + strings.ToUpper(version))
	if enc == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, version)
	}
	return base64.StdEncoding.DecodeString(enc)
}

func (e EnvKeyring) prefix() string {
	if e.Prefix == "" {
		return "HAMSTORE_KEY_"
	}
	return e.Prefix
}
