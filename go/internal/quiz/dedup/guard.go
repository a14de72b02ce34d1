package dedup

import (
	"strings"
	"sync"

	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
)

const (
	DefaultMaxSignatures  = 200
	DefaultKeepSignatures = 100
)

// Config bounds the remembered signature set. Once it holds more than
// MaxSignatures entries the oldest are evicted until KeepSignatures remain.
type Config struct {
	MaxSignatures  int
	KeepSignatures int
}

// DefaultConfig returns the 200/100 eviction bounds.
func DefaultConfig() Config {
	return Config{
		MaxSignatures:  DefaultMaxSignatures,
		KeepSignatures: DefaultKeepSignatures,
	}
}

func (c Config) normalized() Config {
	if c.MaxSignatures <= 0 {
		c.MaxSignatures = DefaultMaxSignatures
	}
	if c.KeepSignatures <= 0 || c.KeepSignatures > c.MaxSignatures {
		c.KeepSignatures = c.MaxSignatures / 2
	}
	return c
}

// Signature derives the dedup key of an entry. Judge, control and video
// signatures include the fields that tell two verdicts or actions apart; all
// signatures include the log key.
func Signature(entry envelope.Entry) string {
	env := entry.Payload
	parts := []string{string(env.Type)}

	switch env.Type {
	case envelope.KindJudge:
		var correct, typed string
		if env.Judge != nil {
			correct, typed = env.Judge.CorrectWord, env.Judge.TypedWord
		}
		parts = append(parts, correct, typed)
	case envelope.KindControl:
		var action string
		if env.Control != nil {
			action = string(env.Control.Action)
		}
		parts = append(parts, action)
	case envelope.KindVideo:
		var action string
		if env.Video != nil {
			action = env.Video.Action
		}
		parts = append(parts, action)
	}

	parts = append(parts, entry.Key)
	return strings.Join(parts, "|")
}

// Guard is a per-consumer cursor: the highest processed key and a bounded set
// of recently seen signatures. Safe for concurrent use.
type Guard struct {
	mu  sync.Mutex
	cfg Config

	lastProcessedKey string
	seen             map[string]struct{}
	order            []string
}

// NewGuard creates a guard with an empty cursor
func NewGuard(cfg Config) *Guard {
	return &Guard{
		cfg:  cfg.normalized(),
		seen: make(map[string]struct{}),
	}
}

// ShouldProcess reports whether entry has not been marked processed yet.
func (g *Guard) ShouldProcess(entry envelope.Entry) bool {
	sig := Signature(entry)

	g.mu.Lock()
	defer g.mu.Unlock()

	_, dup := g.seen[sig]
	return !dup
}

// MarkProcessed records entry's signature and advances the cursor.
func (g *Guard) MarkProcessed(entry envelope.Entry) {
	sig := Signature(entry)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.mark(sig, entry.Key)
}

// Accept checks and marks in one step. It returns false for a duplicate.
func (g *Guard) Accept(entry envelope.Entry) bool {
	sig := Signature(entry)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.seen[sig]; dup {
		return false
	}
	g.mark(sig, entry.Key)
	return true
}

func (g *Guard) mark(sig, key string) {
	if key > g.lastProcessedKey {
		g.lastProcessedKey = key
	}
	if _, ok := g.seen[sig]; ok {
		return
	}

	g.seen[sig] = struct{}{}
	g.order = append(g.order, sig)

	if len(g.order) > g.cfg.MaxSignatures {
		evict := len(g.order) - g.cfg.KeepSignatures
		for _, old := range g.order[:evict] {
			delete(g.seen, old)
		}
		g.order = append([]string(nil), g.order[evict:]...)
	}
}

// LastProcessedKey returns the highest key marked so far, or "".
func (g *Guard) LastProcessedKey() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastProcessedKey
}

// Len returns the number of remembered signatures.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

// Reset clears the cursor, as on a room switch.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastProcessedKey = ""
	g.seen = make(map[string]struct{})
	g.order = nil
}
