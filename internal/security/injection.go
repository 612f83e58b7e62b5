// Package security holds the runtime's content defences: prompt-injection
// scanning, untrusted-content envelopes, response sanitising, PII scrubbing
// and the system-prompt fingerprint guard.
package security

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Category is a named family of injection patterns.
type Category struct {
	Name     string
	Patterns []*regexp.Regexp
}

// Finding is one matched category.
type Finding struct {
	Category string `json:"category"`
	Match    string `json:"match"`
}

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// PatternSetVersion changes whenever a category list below is edited.
const PatternSetVersion = "2026.09.1"

// GeneralCategories apply to every piece of untrusted content.
var GeneralCategories = []Category{
	{"role_reassignment", patterns(
		`\byou\s+are\s+now\s+(a|an|my|the)\b`,
		`\bfrom\s+now\s+on,?\s+you\s+(are|will|must)\b`,
		`\b(act|behave)\s+as\s+(if\s+you\s+were\s+)?(a|an|my)\s+\w+`,
		`\bnew\s+role\s*:`,
	)},
	{"instruction_override", patterns(
		`\b(ignore|disregard|forget|override)\s+(all\s+|any\s+|the\s+)?(previous|prior|above|earlier|preceding|your)\s+(instructions?|prompts?|rules?|directions?|guidelines?|context)`,
		`\bnew\s+instructions?\s*:`,
		`\binstead\s+of\s+(your|the)\s+(task|instructions?)\b`,
	)},
	{"authority_claim", patterns(
		`\b(i\s+am|this\s+is)\s+(your|the)\s+(developer|administrator|admin|creator|owner|operator|system)\b`,
		`\b(message|instruction|notice)\s+from\s+(the\s+)?(system|anthropic|openai|admin|developer)s?\b`,
		`\bofficial\s+(system|security)\s+(update|notice|override)\b`,
	)},
	{"tool_coercion", patterns(
		`\b(call|invoke|run|execute|use)\s+(the\s+)?(tool|function)\s+\w+`,
		`\b(immediately|now|automatically)\s+(call|invoke|run|execute|send|delete|create|update)\b`,
		`\b(send|forward|email)\s+(this|the|all)\s+.{0,40}\s+to\s+\S+@\S+`,
	)},
	{"output_manipulation", patterns(
		`\b(respond|reply|answer|output)\s+(only\s+)?with\s+(exactly|only|the\s+following)\b`,
		`\bdo\s+not\s+(mention|tell|inform|reveal\s+to)\s+(the\s+)?user\b`,
		`\bsay\s+(exactly|only)\s*["':]`,
	)},
	{"delimiter_breakout", patterns(
		`</?\s*untrusted\b`,
		`<\|(im_start|im_end|system|user|assistant|endoftext)\|>`,
		`\[/?INST\]`,
		`<<\s*/?SYS\s*>>`,
		`</?\s*(system|system_prompt|instructions)\s*>`,
		`(^|\n)\s*(###\s*)?(system|assistant)\s*:\s`,
	)},
	{"system_prompt_probe", patterns(
		`\b(reveal|print|show|repeat|output|display|leak)\s+(me\s+)?(your|the)\s+(full\s+|entire\s+|original\s+)?(system\s+)?(prompt|instructions|rules)\b`,
		`\bwhat\s+(is|are)\s+your\s+(system\s+)?(prompt|instructions|rules)\b`,
		`\bverbatim\b.{0,40}\b(prompt|instructions)\b`,
	)},
	{"persona_jailbreak", patterns(
		`\bdo\s+anything\s+now\b`,
		`\bjailbr(ea|o)k(en)?\b`,
		`\b(developer|god|unrestricted|dan)\s+mode\b`,
		`\b(pretend|imagine)\s+(that\s+)?you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?|filters?)`,
	)},
	{"secrecy_demand", patterns(
		`\b(keep|this\s+is)\s+(this\s+)?(secret|confidential)\s+from\s+(the\s+)?user\b`,
		`\bwithout\s+(telling|informing|notifying|asking)\s+(the\s+)?user\b`,
		`\b(silently|secretly|quietly|covertly)\s+(do|perform|execute|run|send|delete|write|add)\b`,
	)},
	{"credential_request", patterns(
		`\b(send|give|share|paste|provide|include)\s+(me\s+)?(your|the)\s+(api\s*key|password|token|credentials?|secret)s?\b`,
		`\b(api[_\s-]?key|access[_\s-]?token|password)\s+(is|=)\s+required\b`,
	)},
	{"urgency_pressure", patterns(
		`\b(urgent|critical|emergency)\s*[:!]\s*(you\s+must|immediately|do\s+not\s+wait)`,
		`\b(failure|refusal)\s+to\s+comply\s+will\b`,
		`\byou\s+must\s+(comply|obey)\b`,
	)},
	{"encoded_payload", patterns(
		`\b(decode|base64|rot13|hex)\s*(this|the\s+following)?\s*(and\s+)?(follow|execute|run|obey)\b`,
		`\b[A-Za-z0-9+/]{120,}={0,2}`,
	)},
	{"approval_bypass_request", patterns(
		`\b(skip|bypass|ignore|disable)\s+(the\s+)?(approval|confirmation|permission|consent)s?\b`,
		`\b(no|without)\s+(need\s+for\s+)?(approval|confirmation)\s+(is\s+)?(needed|required)?\b`,
		`\b(pre-?approved|already\s+approved|auto-?approve)\b`,
	)},
	{"exfiltration_link", patterns(
		`!\[[^\]]*\]\(https?://[^)]*(\?|&)[^)]*=[^)]*\)`,
		`\b(visit|open|fetch|load|navigate\s+to)\s+https?://\S+\?(\S*=)\S*\{`,
		`\bappend\s+(the\s+)?(conversation|chat|context|data|results?)\s+to\s+(the\s+)?(url|link)\b`,
	)},
}

// MemoryCategories apply only to writes into memory pages, on top of the
// general set.
var MemoryCategories = []Category{
	{"hidden_instruction", patterns(
		`\b(hidden|secret)\s+(instruction|rule|directive)s?\b`,
		`\bnote\s+to\s+(self|the\s+assistant|ai)\s*:`,
	)},
	{"standing_order", patterns(
		`\b(always|every\s+time|whenever)\b.{0,60}\b(you|the\s+assistant)\s+(must|should|will)\s+(send|delete|forward|email|post|share|call)\b`,
		`\bin\s+(all|every)\s+future\s+(sessions?|conversations?|responses?)\b`,
	)},
	{"approval_bypass", patterns(
		`\b(never|don'?t|do\s+not)\s+(ask|wait)\s+(for\s+)?(approval|confirmation|permission)\b`,
		`\b(the\s+)?user\s+(has\s+)?(pre-?approved|already\s+approved|consented\s+to)\s+(all|every|any)\b`,
	)},
	{"exfil_prompt", patterns(
		`\b(send|forward|upload|post|email)\s+(a\s+copy\s+of\s+)?(all|every|the\s+user'?s?)\s+(data|notes|messages|emails|memory|pages)\b`,
		`\b(cc|bcc)\s+\S+@\S+\s+on\s+(all|every)\b`,
	)},
	{"trigger_phrase", patterns(
		`\bwhen\s+(you\s+)?(see|read|encounter)\s+(the\s+)?(word|phrase|code)\b`,
		`\bif\s+the\s+user\s+(says|types|mentions)\s+["'].+["'],?\s+(then\s+)?(you\s+)?(must|should)\b`,
	)},
	{"persona_override", patterns(
		`\byour\s+(true|real|new)\s+(identity|name|persona|purpose)\s+is\b`,
		`\byou\s+are\s+no\s+longer\b`,
	)},
	{"tool_autorun", patterns(
		`\b(automatically|always)\s+(run|call|invoke|execute)\s+\w+`,
		`\bon\s+(startup|every\s+run|each\s+request),?\s+(run|call|execute)\b`,
	)},
	{"safety_disable", patterns(
		`\b(disable|turn\s+off|remove|ignore)\s+(the\s+)?(safety|injection|security)\s+(checks?|guards?|scanning|filters?)\b`,
		`\b(treat|consider)\s+(all\s+)?(untrusted|external)\s+content\s+as\s+(trusted|safe)\b`,
	)},
	{"identity_spoof", patterns(
		`\b(the\s+)?(user|owner)\s+is\s+(actually|really)\s+\w+`,
		`\b(my|the\s+user'?s?)\s+(real\s+)?email\s+is\s+now\b`,
	)},
	{"memory_self_replicate", patterns(
		`\b(copy|write|save|add|replicate)\s+(this|these)\s+(instruction|note|rule|text)s?\s+(to|into)\s+(every|all|other)\b`,
		`\bdo\s+not\s+(remove|delete)\s+this\s+(note|entry|instruction)\b`,
	)},
	{"conditional_payload", patterns(
		`\bif\s+(the\s+)?date\s+is\b.{0,60}\b(then|,)\s+(send|delete|run|call)\b`,
		`\bafter\s+\d+\s+(runs|days|messages),?\s+(send|delete|run|call)\b`,
	)},
	{"prompt_leak_directive", patterns(
		`\b(include|append|add)\s+(your|the)\s+(system\s+prompt|instructions)\s+(in|to)\s+(every|all|each)\b`,
	)},
	{"silent_action", patterns(
		`\b(don'?t|do\s+not|never)\s+(mention|report|log|show)\s+(that\s+)?(you|this\s+action|the\s+(tool|call))\b`,
	)},
	{"priority_override", patterns(
		`\b(this|these)\s+(note|rule|instruction)s?\s+(overrides?|supersedes?|takes?\s+precedence\s+over)\b`,
		`\bhighest\s+priority\s+(instruction|rule)\b`,
	)},
}

var invisibleRunes = strings.NewReplacer(
	"\u200b", "", "\u200c", "", "\u200d", "", "\u2060", "", "\ufeff", "",
	"\u00ad", "", "\u202a", "", "\u202b", "", "\u202c", "", "\u202d", "", "\u202e", "",
)

// Normalize folds compatibility characters (full-width letters, ligatures)
// with NFKC, removes invisible code points and collapses whitespace so
// obfuscated payloads match the plain-text patterns.
func Normalize(text string) string {
	s := norm.NFKC.String(text)
	s = invisibleRunes.Replace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) && r != '\n' {
			return ' '
		}
		return r
	}, s)
}

// Scan checks text against the general categories.
func Scan(text string) []Finding {
	return scan(Normalize(text), GeneralCategories)
}

// ScanMemoryWrite checks text against the general and memory categories.
func ScanMemoryWrite(text string) []Finding {
	n := Normalize(text)
	out := scan(n, GeneralCategories)
	return append(out, scan(n, MemoryCategories)...)
}

func scan(text string, cats []Category) []Finding {
	var out []Finding
	for _, c := range cats {
		for _, re := range c.Patterns {
			if m := re.FindString(text); m != "" {
				out = append(out, Finding{Category: c.Name, Match: truncate(strings.TrimSpace(m), 80)})
				break
			}
		}
	}
	return out
}

// CategoryNames returns the names of findings, in order.
func CategoryNames(fs []Finding) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Category
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
