package proxy

import (
	"context"
	"sort"

	"github.com/wazeapp/llm-router/internal/provider"
)

// DefaultPriority is the provider order used when none is configured.
var DefaultPriority = []string{
	"ollama-primary",
	"deepseek-fallback",
	"openai",
	"anthropic",
	"gemini",
	"runpod",
}

// PriorityTable ranks providers by name. Names not in the table rank after
// every listed name.
type PriorityTable struct {
	rank map[string]int
}

func NewPriorityTable(names []string) PriorityTable {
	if len(names) == 0 {
		names = DefaultPriority
	}
	rank := make(map[string]int, len(names))
	for i, n := range names {
		if _, dup := rank[n]; !dup {
			rank[n] = i
		}
	}
	return PriorityTable{rank: rank}
}

func (t PriorityTable) rankOf(name string) int {
	if r, ok := t.rank[name]; ok {
		return r
	}
	return len(t.rank)
}

// Sort returns a copy of providers ordered by rank. Equal ranks keep their
// input order.
func (t PriorityTable) Sort(providers []provider.Provider) []provider.Provider {
	out := make([]provider.Provider, len(providers))
	copy(out, providers)
	sort.SliceStable(out, func(i, j int) bool {
		return t.rankOf(out[i].Name()) < t.rankOf(out[j].Name())
	})
	return out
}

// Prober runs an inline health check.
type Prober interface {
	Probe(ctx context.Context, p provider.Provider) provider.HealthStatus
}

// SelectPrimary probes the sorted candidates in order and returns the first
// healthy one. When none is healthy the top-ranked candidate is returned
// anyway. candidates must not be empty.
func SelectPrimary(ctx context.Context, candidates []provider.Provider, prober Prober) provider.Provider {
	for _, p := range candidates {
		if ctx.Err() != nil {
			break
		}
		if prober.Probe(ctx, p).Healthy() {
			return p
		}
	}
	return candidates[0]
}

// SelectFallback returns the first sorted candidate not yet tried, or nil.
// It does not probe.
func SelectFallback(candidates []provider.Provider, tried map[string]bool) provider.Provider {
	for _, p := range candidates {
		if !tried[p.Name()] {
			return p
		}
	}
	return nil
}
