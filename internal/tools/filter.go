package tools

import (
	"regexp"
	"strings"
)

// Optional categories offered only when the prompt mentions them.
const (
	CategoryTasks    = "tasks"
	CategoryCron     = "cron"
	CategoryEmail    = "email"
	CategoryCalendar = "calendar"
	CategoryExternal = "external"
)

var categoryKeywords = map[string]*regexp.Regexp{
	CategoryTasks:    regexp.MustCompile(`(?i)\b(tasks?|todos?|to-dos?|checklists?|done|complete[ds]?)\b`),
	CategoryCron:     regexp.MustCompile(`(?i)\b(schedul\w*|cron|recurring|every\s+(day|morning|evening|week|weekday|monday|tuesday|wednesday|thursday|friday|hour|\d+\s+minutes?)|remind(er)?s?|jobs?)\b`),
	CategoryEmail:    regexp.MustCompile(`(?i)\b(e-?mails?|mail|inbox|gmail|outlook|reply|replies|forward|unread|threads?)\b`),
	CategoryCalendar: regexp.MustCompile(`(?i)\b(calendar|meetings?|events?|appointments?|availability|free\s+slots?|invites?|agenda)\b`),
	CategoryExternal: regexp.MustCompile(`(?i)\b(composio|connect\w*|integrations?|toolkits?|slack|github|notion|linear|jira|drive|docs|sheets|e-?mails?|gmail|calendar|meetings?|tweet|hubspot|salesforce|trello|asana|todoist|weather|news)\b`),
}

// MatchedCategories returns the optional categories mentioned by prompt.
func MatchedCategories(prompt string) map[string]bool {
	out := make(map[string]bool)
	for cat, re := range categoryKeywords {
		if re.MatchString(prompt) {
			out[cat] = true
		}
	}
	return out
}

// FilterOptions controls Filter.
type FilterOptions struct {
	// ReadOnly drops every tool not explicitly annotated read-only.
	ReadOnly bool
	// AlwaysInclude names tools kept regardless of category.
	AlwaysInclude []string
}

// Filter returns the tools plausibly relevant to prompt. Uncategorised
// tools are core and always kept.
func Filter(list []Tool, prompt string, opts FilterOptions) []Tool {
	cats := MatchedCategories(prompt)
	always := make(map[string]bool, len(opts.AlwaysInclude))
	for _, n := range opts.AlwaysInclude {
		always[n] = true
	}
	out := make([]Tool, 0, len(list))
	for _, t := range list {
		if opts.ReadOnly && !IsReadOnly(t) {
			continue
		}
		cat := CategoryOf(t)
		if cat == "" || cats[cat] || always[t.Name()] || mentionsTool(prompt, t.Name()) {
			out = append(out, t)
		}
	}
	return out
}

func mentionsTool(prompt, name string) bool {
	return len(name) > 3 && strings.Contains(strings.ToLower(prompt), strings.ToLower(name))
}
