// Package prompt synthesizes filler prompts of a requested word count.
package prompt

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"strings"
	"sync"

	"github.com/tracebench/tracebench/pkg/models"
)

// DefaultFallback is the word count used when a trace length cell is invalid
const DefaultFallback = 10

// Prefix marker placed before the random request tag
const tagMarker = "REQ_ID_"

// vocabulary is the fixed word list prompts are drawn from
var vocabulary = []string{
	"the", "be", "to", "of", "and", "a", "in", "that", "have", "I",
	"it", "for", "not", "on", "with", "he", "as", "you", "do", "at",
	"this", "but", "his", "by", "from", "they", "we", "say", "her", "she",
	"or", "an", "will", "my", "one", "all", "would", "there", "their", "what",
	"system", "model", "inference", "performance", "latency", "throughput", "gpu", "compute", "memory", "cache",
	"token", "context", "decode", "prefill", "batch", "queue", "request", "server", "client", "python",
	"async", "await", "test", "analysis", "design", "implementation", "result", "discussion", "future", "work",
}

// Synthesizer builds prompts. Every prompt starts with a fresh random request
// tag, so no two prompts share a prefix.
type Synthesizer struct {
	fallback int

	mu  sync.Mutex
	rng *mrand.Rand
}

// Option configures a Synthesizer
type Option func(*Synthesizer)

// WithFallback sets the word count used for invalid lengths
func WithFallback(n int) Option {
	return func(s *Synthesizer) {
		s.fallback = n
	}
}

// WithSeed makes word selection reproducible. The request tag stays random.
// A zero seed keeps the random source.
func WithSeed(seed uint64) Option {
	return func(s *Synthesizer) {
		if seed == 0 {
			return
		}
		s.rng = mrand.New(mrand.NewPCG(seed, seed))
	}
}

// New creates a Synthesizer
func New(opts ...Option) *Synthesizer {
	s := &Synthesizer{
		fallback: DefaultFallback,
		rng:      mrand.New(mrand.NewPCG(mrand.Uint64(), mrand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prompt returns the identifying prefix followed by the requested number of
// vocabulary words. Invalid counts use the fallback; counts <= 0 yield the
// prefix alone.
func (s *Synthesizer) Prompt(count models.TokenCount) string {
	n := count.Or(s.fallback)
	prefix := Prefix()
	if n <= 0 {
		return prefix
	}

	var b strings.Builder
	b.Grow(len(prefix) + n*8)
	b.WriteString(prefix)

	s.mu.Lock()
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(vocabulary[s.rng.IntN(len(vocabulary))])
	}
	s.mu.Unlock()

	return b.String()
}

// Words returns a prompt of n words without going through a TokenCount
func (s *Synthesizer) Words(n int) string {
	return s.Prompt(models.Count(n))
}

// Prefix returns a fresh "REQ_ID_<12 hex>: " tag
func Prefix() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(fmt.Sprintf("prompt: crypto/rand failed: %v", err))
	}
	return tagMarker + hex.EncodeToString(buf) + ": "
}
