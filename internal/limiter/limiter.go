// Package limiter enforces per-provider request and token ceilings over a
// fixed one-minute window. State is process-local.
package limiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/wazeapp/llm-router/internal/provider"
)

const Window = 60 * time.Second

const (
	DefaultRequestsPerMinute = 60
	DefaultTokensPerMinute   = 100000
)

type window struct {
	mu       sync.Mutex
	requests int
	tokens   int
	resetAt  time.Time
}

// rollover starts a fresh window once now is past the current reset time.
func (w *window) rollover(now time.Time) {
	if now.After(w.resetAt) {
		w.requests = 0
		w.tokens = 0
		w.resetAt = now.Add(Window)
	}
}

// Snapshot is a point-in-time view of a provider's window.
type Snapshot struct {
	Requests int       `json:"requests"`
	Tokens   int       `json:"tokens"`
	ResetAt  time.Time `json:"resetAt"`
}

type Limiter struct {
	defaults provider.Limits
	now      func() time.Time
	windows  *haxmap.Map[string, *window]
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a limiter applying defaults to providers whose descriptor sets
// no limits of its own. Zero defaults fall back to 60 requests and 100000
// tokens per minute.
func New(defaults provider.Limits, opts ...Option) *Limiter {
	if defaults.RequestsPerMinute <= 0 {
		defaults.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if defaults.TokensPerMinute <= 0 {
		defaults.TokensPerMinute = DefaultTokensPerMinute
	}
	l := &Limiter{
		defaults: defaults,
		now:      time.Now,
		windows:  haxmap.New[string, *window](),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) limits(desc provider.Descriptor) provider.Limits {
	out := l.defaults
	if desc.Limits.RequestsPerMinute > 0 {
		out.RequestsPerMinute = desc.Limits.RequestsPerMinute
	}
	if desc.Limits.TokensPerMinute > 0 {
		out.TokensPerMinute = desc.Limits.TokensPerMinute
	}
	return out
}

func (l *Limiter) window(name string) *window {
	w, _ := l.windows.GetOrCompute(name, func() *window {
		return &window{resetAt: l.now().Add(Window)}
	})
	return w
}

// Check admits one request for desc, charging its estimated prompt tokens.
// It returns the estimate so the caller can true up later with Record.
func (l *Limiter) Check(desc provider.Descriptor, req *provider.Request) (int, error) {
	limits := l.limits(desc)
	estimate := provider.EstimateRequestTokens(req)

	w := l.window(desc.Name)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollover(l.now())
	if w.requests >= limits.RequestsPerMinute {
		return 0, fmt.Errorf("%w: %s: %d requests per minute", provider.ErrRateLimitExceeded, desc.Name, limits.RequestsPerMinute)
	}
	if w.tokens+estimate > limits.TokensPerMinute {
		return 0, fmt.Errorf("%w: %s: %d tokens per minute", provider.ErrRateLimitExceeded, desc.Name, limits.TokensPerMinute)
	}
	w.requests++
	w.tokens += estimate
	return estimate, nil
}

// Record adjusts the token count of name's window. A negative delta gives
// back part of an earlier estimate; the count never drops below zero.
func (l *Limiter) Record(name string, tokens int) {
	w := l.window(name)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollover(l.now())
	w.tokens += tokens
	if w.tokens < 0 {
		w.tokens = 0
	}
}

func (l *Limiter) Snapshot(name string) Snapshot {
	w := l.window(name)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollover(l.now())
	return Snapshot{Requests: w.requests, Tokens: w.tokens, ResetAt: w.resetAt}
}
