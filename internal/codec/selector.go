package codec

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rcliao/hamstore/internal/model"
)

// Policy decides which candidate compresses a payload.
type Policy string

const (
	// PolicyThreshold uses the first candidate below ThresholdBytes, the last one above.
	PolicyThreshold Policy = "threshold"
	// PolicySmallest runs every candidate and keeps the smallest output.
	PolicySmallest Policy = "smallest"
	// PolicyFixed always uses the first candidate.
	PolicyFixed Policy = "fixed"
)

// Options configures a Selector.
type Options struct {
	Candidates     []string // ordered fast -> slow
	Policy         Policy
	ThresholdBytes int
	MinBytes       int // payloads smaller than this are stored raw
}

// DefaultOptions returns the default candidate list and policy.
func DefaultOptions() Options {
	return Options{
		Candidates:     []string{LZ4, Zstd, Brotli},
		Policy:         PolicyThreshold,
		ThresholdBytes: 4 << 10,
		MinBytes:       64,
	}
}

// Selector compresses with a policy-chosen codec and decompresses by stored ID.
type Selector struct {
	registry   map[string]Codec
	candidates []Codec
	opts       Options
}

// NewSelector builds a Selector over the built-in codecs.
func NewSelector(opts Options) (*Selector, error) {
	reg, err := Builtin()
	if err != nil {
		return nil, err
	}
	if len(opts.Candidates) == 0 {
		opts.Candidates = DefaultOptions().Candidates
	}
	if opts.Policy == "" {
		opts.Policy = PolicyThreshold
	}
	switch opts.Policy {
	case PolicyThreshold, PolicySmallest, PolicyFixed:
	default:
		return nil, fmt.Errorf("unknown codec policy %q", opts.Policy)
	}

	s := &Selector{registry: reg, opts: opts}
	for _, id := range opts.Candidates {
		c, ok := reg[id]
		if !ok {
			return nil, fmt.Errorf("unknown codec candidate %q", id)
		}
		s.candidates = append(s.candidates, c)
	}
	return s, nil
}

// Candidates returns the configured candidate IDs in order.
func (s *Selector) Candidates() []string {
	ids := make([]string, len(s.candidates))
	for i, c := range s.candidates {
		ids[i] = c.ID()
	}
	return ids
}

// Compress returns the compressed bytes and the ID of the codec used. Output
// is never larger than the raw input.
func (s *Selector) Compress(ctx context.Context, src []byte) ([]byte, string, error) {
	if len(src) < s.opts.MinBytes {
		return bytesOf(rawCodec{}, src)
	}

	var (
		out []byte
		id  string
		err error
	)
	switch s.opts.Policy {
	case PolicyFixed:
		out, id, err = bytesOf(s.candidates[0], src)
	case PolicyThreshold:
		c := s.candidates[0]
		if s.opts.ThresholdBytes > 0 && len(src) >= s.opts.ThresholdBytes {
			c = s.candidates[len(s.candidates)-1]
		}
		out, id, err = bytesOf(c, src)
	case PolicySmallest:
		out, id, err = s.smallest(ctx, src)
	}
	if err != nil {
		return nil, "", err
	}
	if len(out) >= len(src) {
		return bytesOf(rawCodec{}, src)
	}
	return out, id, nil
}

func (s *Selector) smallest(ctx context.Context, src []byte) ([]byte, string, error) {
	results := make([][]byte, len(s.candidates))
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range s.candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := c.Compress(src)
			if err != nil {
				return fmt.Errorf("compress %s: %w", c.ID(), err)
			}
			results[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}

	best := 0
	for i := 1; i < len(results); i++ {
		if len(results[i]) < len(results[best]) {
			best = i
		}
	}
	return results[best], s.candidates[best].ID(), nil
}

// Decompress reverses Compress using the stored codec ID. An unknown ID or a
// corrupt stream yields model.ErrCodec.
func (s *Selector) Decompress(src []byte, id string) ([]byte, error) {
	c, ok := s.registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown codec %q", model.ErrCodec, id)
	}
	out, err := c.Decompress(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrCodec, id, err)
	}
	return out, nil
}

func bytesOf(c Codec, src []byte) ([]byte, string, error) {
	out, err := c.Compress(src)
	if err != nil {
		return nil, "", fmt.Errorf("compress %s: %w", c.ID(), err)
	}
	return out, c.ID(), nil
}
