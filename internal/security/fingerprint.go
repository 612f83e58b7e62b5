package security

import "strings"

// FingerprintThreshold is the number of distinct phrases that marks a
// response as a system-prompt leak.
const FingerprintThreshold = 3

// FingerprintRefusal replaces a response that tripped the guard.
const FingerprintRefusal = "I can't share my internal instructions. Is there something else I can help you with?"

// FingerprintGuard detects responses that reproduce the system prompt.
type FingerprintGuard struct {
	phrases   []string
	threshold int
}

// NewFingerprintGuard builds a guard over phrases. A threshold below one
// uses FingerprintThreshold.
func NewFingerprintGuard(phrases []string, threshold int) *FingerprintGuard {
	if threshold < 1 {
		threshold = FingerprintThreshold
	}
	norm := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = foldPhrase(p); p != "" {
			norm = append(norm, p)
		}
	}
	return &FingerprintGuard{phrases: norm, threshold: threshold}
}

// Hits counts distinct phrases present in text.
func (g *FingerprintGuard) Hits(text string) int {
	folded := foldPhrase(text)
	n := 0
	for _, p := range g.phrases {
		if strings.Contains(folded, p) {
			n++
		}
	}
	return n
}

// Check returns the text to show and whether the guard fired.
func (g *FingerprintGuard) Check(text string) (string, bool) {
	if g == nil || len(g.phrases) == 0 {
		return text, false
	}
	if g.Hits(text) >= g.threshold {
		return FingerprintRefusal, true
	}
	return text, false
}

func foldPhrase(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(Normalize(s))), " ")
}
