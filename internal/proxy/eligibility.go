package proxy

import (
	"fmt"

	"github.com/wazeapp/llm-router/internal/provider"
)

// planKinds lists the backend kinds each subscription plan may be served by.
// Enterprise is absent: it may use every kind.
var planKinds = map[provider.Plan][]provider.Kind{
	provider.PlanFree:     {provider.KindOllama, provider.KindDeepSeek},
	provider.PlanStandard: {provider.KindOllama, provider.KindDeepSeek},
	provider.PlanPro:      {provider.KindOllama, provider.KindDeepSeek, provider.KindOpenAI},
}

func allowedKinds(plan provider.Plan) map[provider.Kind]bool {
	if plan == provider.PlanEnterprise {
		return nil
	}
	kinds, ok := planKinds[plan]
	if !ok {
		kinds = planKinds[provider.PlanFree]
	}
	out := make(map[provider.Kind]bool, len(kinds))
	for _, k := range kinds {
		out[k] = true
	}
	return out
}

// FilterEligible narrows candidates to the providers the caller's plan
// allows that also cover every requested capability. Order is preserved.
// An empty or unknown plan is treated as free.
func FilterEligible(candidates []provider.Provider, caller provider.Caller, reqs provider.Requirements) ([]provider.Provider, error) {
	kinds := allowedKinds(caller.Plan)
	if kinds == nil && reqs == (provider.Requirements{}) && len(candidates) > 0 {
		return candidates, nil
	}

	out := make([]provider.Provider, 0, len(candidates))
	for _, p := range candidates {
		desc := p.Descriptor()
		if kinds != nil && !kinds[desc.Kind] {
			continue
		}
		if !desc.Capabilities.Satisfies(reqs) {
			continue
		}
		out = append(out, p)
	}

	if len(out) == 0 {
		plan := caller.Plan
		if plan == "" {
			plan = provider.PlanFree
		}
		return nil, fmt.Errorf("%w: plan %s", provider.ErrNoEligibleProviders, plan)
	}
	return out, nil
}
