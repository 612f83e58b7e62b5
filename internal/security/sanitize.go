package security

import (
	"regexp"
	"strings"
)

var responseStrip = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<function_calls>.*?</function_calls>`),
	regexp.MustCompile(`(?is)<function_results>.*?</function_results>`),
	regexp.MustCompile(`<\|[a-zA-Z_]{1,32}\|>`),
	regexp.MustCompile(`(?i)</?\s*untrusted\b[^>]*>`),
	regexp.MustCompile(`(?m)^\[warning: possible prompt injection detected[^\]]*\]\n?`),
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// SanitizeResponse removes provider boundary tags and envelope markup the
// tool layer injects from model output.
func SanitizeResponse(text string) string {
	for _, re := range responseStrip {
		text = re.ReplaceAllString(text, "")
	}
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
