package composio

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrUnknownSlug is returned when a requested slug cannot be resolved
// to a cached tool.
var ErrUnknownSlug = errors.New("composio: unknown tool slug")

// ErrVerbCollision is returned when the closest match would invert the
// requested action, for example resolving a GET to a DELETE.
var ErrVerbCollision = errors.New("composio: slug match changes the action verb")

// Common model misspellings of real slugs.
var slugAliases = map[string]string{
	"GMAIL_SEND":                 "GMAIL_SEND_EMAIL",
	"GMAIL_LIST_EMAILS":          "GMAIL_FETCH_EMAILS",
	"GMAIL_GET_EMAILS":           "GMAIL_FETCH_EMAILS",
	"GMAIL_SEARCH_EMAILS":        "GMAIL_FETCH_EMAILS",
	"GMAIL_READ_EMAIL":           "GMAIL_FETCH_MESSAGE_BY_MESSAGE_ID",
	"GOOGLECALENDAR_LIST_EVENTS": "GOOGLECALENDAR_EVENTS_LIST",
	"GOOGLECALENDAR_GET_EVENTS":  "GOOGLECALENDAR_EVENTS_LIST",
	"GOOGLECALENDAR_FIND_EVENTS": "GOOGLECALENDAR_FIND_EVENT",
	"GOOGLECALENDAR_ADD_EVENT":   "GOOGLECALENDAR_CREATE_EVENT",
	"SLACK_SEND_MESSAGE":         "SLACK_SENDS_A_MESSAGE_TO_A_SLACK_CHANNEL",
	"SLACK_POST_MESSAGE":         "SLACK_SENDS_A_MESSAGE_TO_A_SLACK_CHANNEL",
	"GITHUB_CREATE_ISSUE":        "GITHUB_CREATE_AN_ISSUE",
	"GITHUB_LIST_ISSUES":         "GITHUB_LIST_REPOSITORY_ISSUES",
	"TODOIST_ADD_TASK":           "TODOIST_CREATE_TASK",
}

// Pairs whose swap is never accepted as a fuzzy match.
var verbCollisions = map[[2]string]bool{
	{"GET", "DELETE"}:    true,
	{"CREATE", "DELETE"}: true,
	{"ADD", "REMOVE"}:    true,
	{"LIST", "DELETE"}:   true,
	{"SEND", "DELETE"}:   true,
}

var actionVerbs = map[string]bool{
	"GET": true, "LIST": true, "FETCH": true, "FIND": true, "SEARCH": true, "READ": true,
	"CREATE": true, "ADD": true, "INSERT": true, "SEND": true, "POST": true, "REPLY": true,
	"UPDATE": true, "PATCH": true, "EDIT": true, "MOVE": true, "DELETE": true, "REMOVE": true,
	"ARCHIVE": true, "TRASH": true,
}

var nonSlugChars = regexp.MustCompile(`[^A-Z0-9]+`)

// NormalizeSlug upper-cases s and collapses separators to underscores.
func NormalizeSlug(s string) string {
	return strings.Trim(nonSlugChars.ReplaceAllString(strings.ToUpper(strings.TrimSpace(s)), "_"), "_")
}

// NormalizeToolkit lower-cases s and drops separators: "Google Calendar"
// and "google_calendar" both become "googlecalendar".
func NormalizeToolkit(s string) string {
	return strings.ToLower(nonSlugChars.ReplaceAllString(strings.ToUpper(s), ""))
}

func slugTokens(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "_")
}

func slugVerb(tokens []string) string {
	for _, t := range tokens {
		if actionVerbs[t] {
			return t
		}
	}
	return ""
}

func collides(a, b string) bool {
	return verbCollisions[[2]string{a, b}] || verbCollisions[[2]string{b, a}]
}

func tokenKey(tokens []string) string {
	sorted := append([]string(nil), tokens...)
	sort.Strings(sorted)
	return strings.Join(sorted, "_")
}

// Canonicalize resolves requested against the known slugs: exact match,
// alias, token-order-insensitive match, then substring or verb-aware
// token overlap. Matches that swap a colliding verb pair are rejected.
func Canonicalize(requested string, known []string) (string, error) {
	want := NormalizeSlug(requested)
	if want == "" {
		return "", fmt.Errorf("%w: empty slug", ErrUnknownSlug)
	}
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}
	if set[want] {
		return want, nil
	}
	if alias, ok := slugAliases[want]; ok && set[alias] {
		return alias, nil
	}

	wantTokens := slugTokens(want)
	wantVerb := slugVerb(wantTokens)
	key := tokenKey(wantTokens)
	for _, k := range known {
		if tokenKey(slugTokens(k)) == key {
			return k, nil
		}
	}

	type candidate struct {
		slug  string
		score float64
	}
	var cands []candidate
	collision := ""
	for _, k := range known {
		kt := slugTokens(k)
		if len(kt) == 0 || len(wantTokens) == 0 || kt[0] != wantTokens[0] {
			continue
		}
		kverb := slugVerb(kt)
		if wantVerb != "" && kverb != "" && collides(wantVerb, kverb) {
			if strings.Contains(k, want) || strings.Contains(want, k) || overlap(wantTokens, kt) >= 0.5 {
				collision = k
			}
			continue
		}
		score := overlap(wantTokens, kt)
		if strings.Contains(k, want) || strings.Contains(want, k) {
			score += 0.5
		}
		if wantVerb != "" && kverb == wantVerb {
			score += 0.25
		}
		if score >= 0.6 {
			cands = append(cands, candidate{k, score})
		}
	}
	if len(cands) == 0 {
		if collision != "" {
			return "", fmt.Errorf("%w: %s does not match %s", ErrVerbCollision, want, collision)
		}
		return "", fmt.Errorf("%w: %s%s", ErrUnknownSlug, want, suggest(want, known))
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].slug < cands[j].slug
	})
	if len(cands) > 1 && cands[0].score == cands[1].score {
		return "", fmt.Errorf("%w: %s is ambiguous between %s and %s", ErrUnknownSlug, want, cands[0].slug, cands[1].slug)
	}
	return cands[0].slug, nil
}

// overlap is the Jaccard similarity of two token lists.
func overlap(a, b []string) float64 {
	as := map[string]bool{}
	for _, t := range a {
		as[t] = true
	}
	inter, union := 0, len(as)
	seen := map[string]bool{}
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if as[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func suggest(want string, known []string) string {
	prefix := strings.SplitN(want, "_", 2)[0] + "_"
	var out []string
	for _, k := range known {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return ""
	}
	sort.Strings(out)
	if len(out) > 5 {
		out = out[:5]
	}
	return "; did you mean one of " + strings.Join(out, ", ")
}
