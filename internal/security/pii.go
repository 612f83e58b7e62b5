package security

import (
	"math/big"
	"net/netip"
	"regexp"
	"strings"

	"github.com/haasonsaas/cos/pkg/models"
)

type piiRule struct {
	kind  string
	re    *regexp.Regexp
	valid func(match string) bool
}

// Rule order matters: longer structured numbers are consumed before the
// looser phone pattern can see their digits.
var piiRules = []piiRule{
	{"EMAIL", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), nil},
	{"IBAN", regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`), validIBAN},
	{"CARD", regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`), validLuhn},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), validSSN},
	{"MEDICARE", regexp.MustCompile(`\b[2-6]\d{3} ?\d{5} ?\d\b`), validMedicare},
	{"TFN", regexp.MustCompile(`\b\d{3} ?\d{3} ?\d{3}\b`), validTFN},
	{"PHONE", regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?(?:\(\d{2,4}\)[ .\-]?)?\d{3,4}[ .\-]\d{3,4}(?:[ .\-]\d{2,4})?\b`), validPhone},
	{"IP", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), publicIPv4},
}

// ScrubText replaces recognised PII with bracketed placeholders such as
// [EMAIL]. Placeholders never match a rule, so scrubbing is idempotent.
func ScrubText(text string) string {
	for _, r := range piiRules {
		text = r.re.ReplaceAllStringFunc(text, func(m string) string {
			if r.valid != nil && !r.valid(m) {
				return m
			}
			return "[" + r.kind + "]"
		})
	}
	return text
}

// ScrubMessages returns a copy of msgs with PII scrubbed from user and
// assistant text. Tool calls and tool results pass through untouched so
// that arguments stay executable.
func ScrubMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		if m.Role == models.RoleUser || m.Role == models.RoleAssistant {
			m.Content = ScrubText(m.Content)
		}
		out[i] = m
	}
	return out
}

func digitsOf(s string) []int {
	out := make([]int, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			out = append(out, int(r-'0'))
		}
	}
	return out
}

func validLuhn(m string) bool {
	d := digitsOf(m)
	if len(d) < 13 || len(d) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(d) - 1; i >= 0; i-- {
		v := d[i]
		if double {
			v *= 2
			if v > 9 {
				v -= 9
			}
		}
		sum += v
		double = !double
	}
	return sum%10 == 0
}

func validIBAN(m string) bool {
	s := strings.ReplaceAll(m, " ", "")
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	var b strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteString(big.NewInt(int64(r-'A') + 10).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(b.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

func validSSN(m string) bool {
	d := digitsOf(m)
	area := d[0]*100 + d[1]*10 + d[2]
	group := d[3]*10 + d[4]
	serial := d[5]*1000 + d[6]*100 + d[7]*10 + d[8]
	return area != 0 && area != 666 && area < 900 && group != 0 && serial != 0
}

func validMedicare(m string) bool {
	d := digitsOf(m)
	if len(d) != 10 {
		return false
	}
	weights := [8]int{1, 3, 7, 9, 1, 3, 7, 9}
	sum := 0
	for i, w := range weights {
		sum += d[i] * w
	}
	return sum%10 == d[8]
}

func validTFN(m string) bool {
	d := digitsOf(m)
	if len(d) != 9 {
		return false
	}
	weights := [9]int{1, 4, 3, 7, 5, 8, 6, 9, 10}
	sum := 0
	for i, w := range weights {
		sum += d[i] * w
	}
	return sum%11 == 0
}

func validPhone(m string) bool {
	n := len(digitsOf(m))
	return n >= 9 && n <= 15
}

func publicIPv4(m string) bool {
	addr, err := netip.ParseAddr(m)
	if err != nil || !addr.Is4() {
		return false
	}
	return !(addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsMulticast() || addr.IsUnspecified() || addr.IsLinkLocalMulticast())
}
