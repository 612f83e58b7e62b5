package graph

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DateTitle converts t to a daily-page title, e.g. "October 14th, 2026".
func DateTitle(t time.Time) string {
	return fmt.Sprintf("%s %d%s, %d", t.Month().String(), t.Day(), ordinal(t.Day()), t.Year())
}

func ordinal(day int) string {
	if day >= 11 && day <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}

var dateTitleRe = regexp.MustCompile(`^([A-Z][a-z]+) (\d{1,2})(st|nd|rd|th), (\d{4})$`)

// ParseDateTitle parses a daily-page title in loc.
func ParseDateTitle(title string, loc *time.Location) (time.Time, bool) {
	m := dateTitleRe.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("January 2 2006", m[1]+" "+m[2]+" "+m[4], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DateLink renders t as a page reference.
func DateLink(t time.Time) string {
	return "[[" + DateTitle(t) + "]]"
}

var leadingDateLinkRe = regexp.MustCompile(`^\s*\[\[([^\]]+)\]\]`)

// LeadingDate returns the date linked at the very start of s, if any.
func LeadingDate(s string, loc *time.Location) (time.Time, bool) {
	m := leadingDateLinkRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	return ParseDateTitle(m[1], loc)
}
