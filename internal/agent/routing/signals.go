package routing

import (
	"regexp"
	"strings"
)

// toolTriggers maps a tool family to the words that suggest the prompt
// needs it. Each family counts once.
var toolTriggers = []struct {
	family string
	re     *regexp.Regexp
}{
	{"email", regexp.MustCompile(`(?i)\b(e-?mails?|inbox|gmail|outlook|mail)\b`)},
	{"calendar", regexp.MustCompile(`(?i)\b(calendar|meetings?|schedule|events?|agenda)\b`)},
	{"tasks", regexp.MustCompile(`(?i)\b(tasks?|todos?|to-dos?|reminders?|deadlines?)\b`)},
	{"web", regexp.MustCompile(`(?i)\b(search the web|news|weather|look up|google)\b`)},
	{"graph", regexp.MustCompile(`(?i)\b(pages?|notes?|daily page|journal|blocks?)\b`)},
	{"docs", regexp.MustCompile(`(?i)\b(docs?|documents?|drive|sheets?|spreadsheets?)\b`)},
	{"chat", regexp.MustCompile(`(?i)\b(slack|messages?|channels?|dms?)\b`)},
	{"code", regexp.MustCompile(`(?i)\b(github|issues?|pull requests?|repos?|tickets?|linear|jira)\b`)},
	{"cron", regexp.MustCompile(`(?i)\b(every (day|morning|week|hour)|recurring|cron)\b`)},
}

var (
	compareRe    = regexp.MustCompile(`(?i)\b(compare|comparison|versus|vs\.?|difference between|contrast)\b`)
	pageRefRe    = regexp.MustCompile(`\[\[[^\]]+\]\]`)
	chainStartRe = regexp.MustCompile(`(?i)\bfirst\b`)
	chainNextRe  = regexp.MustCompile(`(?i)\b(then|next|after that|finally)\b`)
	deliberateRe = regexp.MustCompile(`(?i)\b(should i|trade-?offs?|pros and cons|decide|weigh|recommend|ambiguous|unclear)\b`)
	temporalRe   = regexp.MustCompile(`(?i)\b(last (week|month|quarter|year)|over the past|since|trend|year over year|by (monday|tuesday|wednesday|thursday|friday|tomorrow)|until)\b`)
)

// complexity signal weights; the sum is clamped to 1.
const (
	weightCompare    = 0.30
	weightMultiRef   = 0.30
	weightChain      = 0.30
	weightDeliberate = 0.25
	weightTemporal   = 0.20
)

// toolFamilies returns the tool families the prompt's keywords trigger.
func toolFamilies(prompt string) []string {
	var out []string
	for _, t := range toolTriggers {
		if t.re.MatchString(prompt) {
			out = append(out, t.family)
		}
	}
	return out
}

// complexity scores prompt-level difficulty in [0,1] and names the
// signals that fired. Every signal only adds, so appending text never
// lowers the score.
func complexity(prompt string) (float64, []string) {
	var score float64
	var fired []string
	add := func(name string, w float64) {
		score += w
		fired = append(fired, name)
	}
	compare := compareRe.MatchString(prompt)
	if compare {
		add("comparison", weightCompare)
	}
	if compare && len(pageRefRe.FindAllString(prompt, 3)) >= 2 {
		add("multi_entity", weightMultiRef)
	}
	if loc := chainStartRe.FindStringIndex(prompt); loc != nil && chainNextRe.MatchString(prompt[loc[1]:]) {
		add("multi_step", weightChain)
	}
	if deliberateRe.MatchString(prompt) {
		add("deliberation", weightDeliberate)
	}
	if temporalRe.MatchString(prompt) {
		add("temporal", weightTemporal)
	}
	return min(score, 1), fired
}

func normalizePrompt(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
