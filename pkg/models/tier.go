package models

import "strings"

// Tier is a coarse capability bucket selecting one model per provider.
type Tier string

const (
	TierMini      Tier = "mini"
	TierPower     Tier = "power"
	TierLudicrous Tier = "ludicrous"
)

// Tiers lists tiers from cheapest to most capable.
var Tiers = []Tier{TierMini, TierPower, TierLudicrous}

// Rank orders tiers; unknown tiers rank as mini.
func (t Tier) Rank() int {
	switch t {
	case TierPower:
		return 1
	case TierLudicrous:
		return 2
	default:
		return 0
	}
}

// Escalate returns the next tier up, saturating at ludicrous.
func (t Tier) Escalate() Tier {
	switch t {
	case TierMini:
		return TierPower
	default:
		return TierLudicrous
	}
}

// Max returns the higher of two tiers.
func (t Tier) Max(o Tier) Tier {
	if o.Rank() > t.Rank() {
		return o
	}
	return t
}

// Min returns the lower of two tiers.
func (t Tier) Min(o Tier) Tier {
	if o.Rank() < t.Rank() {
		return o
	}
	return t
}

// ParseTier parses a tier name. ok is false for unrecognised input.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierMini:
		return TierMini, true
	case TierPower:
		return TierPower, true
	case TierLudicrous:
		return TierLudicrous, true
	}
	return TierMini, false
}

// Provider identifies an LLM vendor.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderMistral   Provider = "mistral"
)

// Providers lists every supported provider in default failover order.
var Providers = []Provider{ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderMistral}
