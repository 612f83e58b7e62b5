package agent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/cos/internal/tools"
)

// FabricationMinChars is the response length above which a tool-free
// answer about external data counts as fabricated.
const FabricationMinChars = 400

// staticClaims match generic statements that an action already happened.
var staticClaims = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi(?:'ve| have)?\s+(?:just\s+|now\s+|also\s+)?(?:saved|added|created|updated|deleted|removed|scheduled|sent|moved|archived|recorded|stored|written|wrote|logged|booked|marked|noted|posted|appended)\b`),
	regexp.MustCompile(`(?im)^\s*(?:(?:saved|added|created|updated|deleted|scheduled|sent|moved|archived)\b|done[.!])`),
	regexp.MustCompile(`(?i)\b(?:has|have) been (?:successfully )?(?:saved|added|created|updated|deleted|removed|scheduled|sent|moved|archived|recorded|stored)\b`),
	regexp.MustCompile(`(?i)\b(?:successfully|all set,)\s+(?:saved|added|created|updated|deleted|scheduled|sent)\b`),
}

// toolClaims tie claim phrasings to the tool that performs them.
var toolClaims = []struct {
	tool string
	re   *regexp.Regexp
}{
	{"cos_update_memory", regexp.MustCompile(`(?i)\b(?:saved|noted|stored|remembered|recorded|added)\b[^.\n]{0,40}\b(?:notes?|memory|memories|lessons?|decisions?)\b|\bi(?:'ll| will) remember\b|\bkeep that in mind\b`)},
	{"cos_cron_create", regexp.MustCompile(`(?i)\b(?:scheduled|set up)\b[^.\n]{0,40}\b(?:job|reminder|recurring|every|daily|weekly)\b|\breminder (?:is )?set\b`)},
	{"cos_cron_delete", regexp.MustCompile(`(?i)\b(?:cancel(?:l)?ed|deleted|removed|stopped)\b[^.\n]{0,30}\b(?:job|reminder|schedule)\b`)},
	{"cos_append_daily", regexp.MustCompile(`(?i)\b(?:added|appended|logged|wrote)\b[^.\n]{0,40}\b(?:daily (?:page|note)|journal|today's page)\b`)},
	{"cos_create_page", regexp.MustCompile(`(?i)\bcreated\b[^.\n]{0,30}\b(?:new )?page\b`)},
}

// pastTense maps tool-name verbs to the forms used when claiming them.
var pastTense = map[string]string{
	"create": "created", "update": "updated", "delete": "deleted", "add": "added",
	"send": "sent", "move": "moved", "schedule": "scheduled", "remove": "removed",
	"write": "wrote|written", "save": "saved", "archive": "archived", "book": "booked",
	"post": "posted", "insert": "inserted", "append": "appended", "reply": "replied",
	"forward": "forwarded", "star": "starred", "label": "labell?ed", "assign": "assigned",
	"close": "closed", "merge": "merged", "invite": "invited", "cancel": "cancell?ed",
}

// externalData names topics a model cannot know without a tool.
var externalData = regexp.MustCompile(`(?i)\b(?:e-?mails?|inbox|calendar|meetings?|weather|forecast|news|headlines?|tickets?|invoices?|orders?|shipments?|stock price|pull requests?|issues?|slack|messages?|appointments?)\b`)

// Claim is a fired claimed-action guard.
type Claim struct {
	// Tool is the tool the response implies was called, or "".
	Tool  string
	Match string
}

// ClaimGuard detects responses that claim actions no tool performed.
type ClaimGuard struct {
	dynamic []struct {
		tool string
		re   *regexp.Regexp
	}
}

// NewClaimGuard builds dynamic templates from the names of mutating tools
// in list, e.g. GMAIL_SEND_EMAIL yields "sent ... email".
func NewClaimGuard(list []tools.Tool) *ClaimGuard {
	g := &ClaimGuard{}
	names := make([]string, 0, len(list))
	for _, t := range list {
		if tools.IsMutating(t) {
			names = append(names, t.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if re := dynamicClaim(name); re != nil {
			g.dynamic = append(g.dynamic, struct {
				tool string
				re   *regexp.Regexp
			}{name, re})
		}
	}
	return g
}

func dynamicClaim(name string) *regexp.Regexp {
	tokens := tools.NameTokens(name)
	for i, tok := range tokens {
		past, ok := pastTense[tok]
		if !ok {
			continue
		}
		var nouns []string
		for _, n := range tokens[i+1:] {
			if len(n) > 2 && n != "cos" {
				nouns = append(nouns, regexp.QuoteMeta(strings.TrimSuffix(n, "s")))
			}
		}
		if len(nouns) == 0 {
			return nil
		}
		return regexp.MustCompile(`(?i)\b(?:` + past + `)\b[^.\n]{0,40}\b(?:` + strings.Join(nouns, "|") + `)s?\b`)
	}
	return nil
}

// Check returns the claim in text, if any. offered restricts which tool
// names may be suggested.
func (g *ClaimGuard) Check(text string, offered map[string]bool) (Claim, bool) {
	for _, c := range toolClaims {
		if m := c.re.FindString(text); m != "" {
			tool := c.tool
			if !offered[tool] {
				tool = ""
			}
			return Claim{Tool: tool, Match: m}, true
		}
	}
	if g != nil {
		for _, d := range g.dynamic {
			if m := d.re.FindString(text); m != "" && offered[d.tool] {
				return Claim{Tool: d.tool, Match: m}, true
			}
		}
	}
	for _, re := range staticClaims {
		if m := re.FindString(text); m != "" {
			return Claim{Match: strings.TrimSpace(m)}, true
		}
	}
	return Claim{}, false
}

// Nudge is the corrective user turn for a claim.
func (c Claim) Nudge() string {
	if c.Tool != "" {
		return fmt.Sprintf("You said %q, but no tool was called, so nothing happened. Call `%s` now to actually do it, or tell the user plainly that it was not done.", c.Match, c.Tool)
	}
	return fmt.Sprintf("You said %q, but no tool was called, so nothing happened. Call the tool that performs the action, or tell the user plainly that it was not done.", c.Match)
}

// IsFabrication reports whether a tool-free response presents external
// data the model could not have fetched.
func IsFabrication(text string, runToolCalls int) bool {
	return runToolCalls == 0 && len(text) >= FabricationMinChars && externalData.MatchString(text)
}

// FabricationNudge is the corrective turn for a fabricated answer.
const FabricationNudge = "That answer describes external data, but no tool was called in this request, so it cannot be real. Use the available tools to fetch the data, or say that you do not have access to it."

// GatheringGuard tracks a matched skill's declared sources. A write before
// every source has succeeded is intercepted once with a nudge.
type GatheringGuard struct {
	skill   string
	sources []string
	done    map[string]bool
	fired   bool
}

// NewGatheringGuard returns nil when the skill declares no sources.
func NewGatheringGuard(skill string, sources []string) *GatheringGuard {
	if len(sources) == 0 {
		return nil
	}
	return &GatheringGuard{skill: skill, sources: sources, done: map[string]bool{}}
}

// Succeeded marks a tool call that returned without error.
func (g *GatheringGuard) Succeeded(tool string) {
	if g == nil {
		return
	}
	g.done[strings.ToLower(tool)] = true
}

// Missing lists sources that have not succeeded yet.
func (g *GatheringGuard) Missing() []string {
	if g == nil {
		return nil
	}
	var out []string
	for _, s := range g.sources {
		if !g.done[strings.ToLower(s)] {
			out = append(out, s)
		}
	}
	return out
}

// BeforeWrite returns a nudge when a terminal write would run with
// sources still missing. It fires at most once per run.
func (g *GatheringGuard) BeforeWrite() (string, bool) {
	if g == nil || g.fired {
		return "", false
	}
	missing := g.Missing()
	if len(missing) == 0 {
		return "", false
	}
	g.fired = true
	return fmt.Sprintf("Not executed: the %q skill gathers from %s before writing. Call `%s` first, then write.",
		g.skill, strings.Join(missing, ", "), missing[0]), true
}
