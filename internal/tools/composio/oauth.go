package composio

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)

// FindRedirectURL searches a decoded broker response for the OAuth URL the
// user must open to link an account. Explicit redirect_url / redirectUrl
// fields win; otherwise the first url mentioning oauth or authorize is
// used. Plain text is scanned for such a link. It returns "" when none is
// present.
func FindRedirectURL(v any) string {
	if s, ok := v.(string); ok {
		if decoded := decodeLenient(s); decoded != nil {
			if _, still := decoded.(string); !still {
				return FindRedirectURL(decoded)
			}
		}
		return oauthLink(s)
	}

	explicit, fallback := "", ""
	walk(v, func(m map[string]any) {
		if explicit != "" {
			return
		}
		if u := firstString(m, "redirect_url", "redirectUrl", "redirect_uri"); isHTTP(u) {
			explicit = u
			return
		}
		if fallback == "" {
			if u := firstString(m, "url", "auth_url", "authUrl"); isHTTP(u) && looksLikeOAuth(u) {
				fallback = u
			}
		}
	})
	if explicit != "" {
		return explicit
	}
	return fallback
}

func oauthLink(text string) string {
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;")
		if looksLikeOAuth(u) {
			return u
		}
	}
	return ""
}

func isHTTP(u string) bool {
	return strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://")
}

func looksLikeOAuth(u string) bool {
	l := strings.ToLower(u)
	return strings.Contains(l, "oauth") || strings.Contains(l, "authorize")
}
