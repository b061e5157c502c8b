package provider

import "unicode/utf8"

// CharsPerToken is the fixed ratio used to approximate token counts. It is
// good enough for rate limiting and cost estimates, not for billing.
const CharsPerToken = 4

// EstimateTokens approximates the token count of s. It is 0 for the empty
// string and never decreases as s grows.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// EstimateRequestTokens sums the estimate over every message of req.
func EstimateRequestTokens(req *Request) int {
	if req == nil {
		return 0
	}
	total := 0
	for _, m := range req.Messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// Pricing is USD per token.
type Pricing struct {
	Input  float64
	Output float64
}

// EstimateCost prices the prompt estimate plus the requested completion budget.
func (p Pricing) EstimateCost(req *Request) float64 {
	if req == nil {
		return 0
	}
	completion := req.MaxTokens
	if completion < 0 {
		completion = 0
	}
	return float64(EstimateRequestTokens(req))*p.Input + float64(completion)*p.Output
}
