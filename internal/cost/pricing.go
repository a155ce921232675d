// Package cost estimates and aggregates the monetary cost of agent calls.
package cost

import "strings"

// Price is the per-1000-token cost of a model, in USD.
type Price struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// Pricing maps provider -> model -> price.
type Pricing map[string]map[string]Price

// DefaultPricing returns list prices for the models the runtime ships
// configuration for.
func DefaultPricing() Pricing {
	return Pricing{
		"claude": {
			"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		},
		"openai": {
			"gpt-4-turbo-preview": {InputPer1K: 0.01, OutputPer1K: 0.03},
			"gpt-4":               {InputPer1K: 0.03, OutputPer1K: 0.06},
		},
		"gemini": {
			"gemini-pro": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		},
	}
}

// Merge returns a copy of p with every price in other added or replaced.
func (p Pricing) Merge(other Pricing) Pricing {
	out := make(Pricing, len(p)+len(other))
	for _, src := range []Pricing{p, other} {
		for provider, models := range src {
			if out[provider] == nil {
				out[provider] = make(map[string]Price, len(models))
			}
			for model, price := range models {
				out[provider][model] = price
			}
		}
	}
	return out
}

// Lookup finds the price for a model. An exact match wins; otherwise the
// longest configured model name that prefixes model is used, so dated or
// suffixed model ids share a price with their family.
func (p Pricing) Lookup(provider, model string) (Price, bool) {
	models, ok := p[provider]
	if !ok {
		return Price{}, false
	}
	if price, ok := models[model]; ok {
		return price, true
	}
	best := ""
	for name := range models {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return Price{}, false
	}
	return models[best], true
}

// Estimate returns the USD cost of a call. Unknown provider or model costs 0.
func (p Pricing) Estimate(provider, model string, inputTokens, outputTokens int64) float64 {
	price, ok := p.Lookup(provider, model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*price.InputPer1K + float64(outputTokens)/1000*price.OutputPer1K
}

// bytesPerToken is the rough size of one token used when a provider does not
// report usage.
const bytesPerToken = 4

// EstimateTokens approximates a token count from a payload size.
func EstimateTokens(sizeBytes int64) int64 {
	if sizeBytes <= 0 {
		return 0
	}
	return (sizeBytes + bytesPerToken - 1) / bytesPerToken
}
