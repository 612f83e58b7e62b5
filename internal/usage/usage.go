// Package usage tracks token spend, enforces the daily cost cap and keeps
// per-day usage counters.
package usage

import (
	"fmt"
	"math"
	"strings"
)

// Usage is a token count.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns the total token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add adds another usage record to this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Cost is a model's price in USD per million tokens.
type Cost struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Estimate returns the USD cost of usage.
func (c Cost) Estimate(usage *Usage) float64 {
	if usage == nil {
		return 0
	}
	return (float64(usage.InputTokens)*c.Input + float64(usage.OutputTokens)*c.Output) / 1_000_000
}

// Pricing maps model ids to prices.
type Pricing map[string]Cost

// DefaultPricing covers the built-in model table.
func DefaultPricing() Pricing {
	return Pricing{
		"claude-haiku-4-5":      {Input: 1, Output: 5},
		"claude-sonnet-4-5":     {Input: 3, Output: 15},
		"claude-opus-4-1":       {Input: 15, Output: 75},
		"gpt-5-mini":            {Input: 0.25, Output: 2},
		"gpt-5":                 {Input: 1.25, Output: 10},
		"gpt-5-pro":             {Input: 15, Output: 120},
		"gemini-2.5-flash":      {Input: 0.3, Output: 2.5},
		"gemini-2.5-pro":        {Input: 1.25, Output: 10},
		"mistral-small-latest":  {Input: 0.1, Output: 0.3},
		"mistral-medium-latest": {Input: 0.4, Output: 2},
		"mistral-large-latest":  {Input: 2, Output: 6},
	}
}

// Merge returns p with overrides applied.
func (p Pricing) Merge(overrides Pricing) Pricing {
	out := make(Pricing, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// For returns the price of model. Dated or suffixed ids fall back to the
// longest known prefix.
func (p Pricing) For(model string) (Cost, bool) {
	if c, ok := p[model]; ok {
		return c, true
	}
	best, found := "", false
	for k := range p {
		if strings.HasPrefix(model, k) && len(k) > len(best) {
			best, found = k, true
		}
	}
	return p[best], found
}

// FormatTokenCount formats a token count for display.
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 10_000 {
		return fmt.Sprintf("%dk", count/1_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatUSD formats a dollar amount for display.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return "$0.00"
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}
