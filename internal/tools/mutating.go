package tools

import (
	"regexp"
	"strings"
)

var (
	writeVerbs = map[string]bool{
		"create": true, "update": true, "delete": true, "remove": true, "send": true,
		"post": true, "write": true, "move": true, "add": true, "set": true,
		"insert": true, "archive": true, "modify": true, "patch": true, "put": true,
		"upload": true, "reply": true, "forward": true, "cancel": true, "invite": true,
		"schedule": true, "execute": true, "run": true, "publish": true, "edit": true,
		"rename": true, "assign": true, "close": true, "merge": true, "trash": true,
		"star": true, "label": true, "mark": true, "accept": true, "decline": true,
		"append": true, "toggle": true, "enable": true, "disable": true, "revoke": true,
	}
	readVerbs = map[string]bool{
		"get": true, "list": true, "search": true, "fetch": true, "read": true,
		"find": true, "query": true, "view": true, "describe": true, "count": true,
		"lookup": true, "show": true, "check": true, "retrieve": true, "browse": true,
	}
	tokenSplit    = regexp.MustCompile(`[^a-z0-9]+`)
	descWriteHint = regexp.MustCompile(`(?i)\b(creates?|updates?|deletes?|removes?|sends?|posts?|writes?|modif(y|ies)|moves?|archives?)\b`)
)

// IsPotentiallyMutatingTool classifies an unannotated tool. Any write verb
// in the name wins; a read verb with no write hint in the description is
// read-only; everything else is treated as mutating.
func IsPotentiallyMutatingTool(name, description string) bool {
	tokens := NameTokens(name)
	sawRead := false
	for _, tok := range tokens {
		if writeVerbs[tok] {
			return true
		}
		if readVerbs[tok] {
			sawRead = true
		}
	}
	if sawRead {
		return descWriteHint.MatchString(firstSentence(description))
	}
	return true
}

// NameTokens lowercases name and splits it on non-alphanumerics and
// camelCase boundaries.
func NameTokens(name string) []string {
	var b strings.Builder
	prevLower := false
	for _, r := range name {
		isUpper := r >= 'A' && r <= 'Z'
		if isUpper && prevLower {
			b.WriteByte(' ')
		}
		prevLower = r >= 'a' && r <= 'z'
		b.WriteRune(r)
	}
	parts := tokenSplit.Split(strings.ToLower(b.String()), -1)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstSentence(s string) string {
	if i := strings.IndexAny(s, ".\n"); i >= 0 {
		return s[:i]
	}
	return s
}
