package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/cos/internal/graph"
	"github.com/haasonsaas/cos/internal/prompt"
)

// Skill is a named workflow stored as a top-level block on the skills page.
type Skill struct {
	Name    string
	Summary string
	// Body is the rendered instruction tree.
	Body string
	// Sources lists tools that must succeed before a terminal write.
	Sources []string
}

// Skills returns the parsed skills, rebuilding them if stale.
func (c *Cache) Skills(ctx context.Context) ([]Skill, error) {
	c.mu.Lock()
	if !c.skillStale {
		out := append([]Skill(nil), c.skills...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	page, err := c.graph.PullPage(ctx, c.skillsPage)
	var skills []Skill
	switch {
	case errors.Is(err, graph.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("pull skills page: %w", err)
	default:
		skills = ParseSkills(page.Children)
	}

	c.mu.Lock()
	c.skills = skills
	c.skillStale = false
	c.mu.Unlock()
	return append([]Skill(nil), skills...), nil
}

// SkillIndex returns one summary line per skill.
func (c *Cache) SkillIndex(ctx context.Context) ([]prompt.SkillSummary, error) {
	skills, err := c.Skills(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]prompt.SkillSummary, len(skills))
	for i, s := range skills {
		out[i] = prompt.SkillSummary{Name: s.Name, Summary: s.Summary}
	}
	return out, nil
}

// Skill looks a skill up by case-insensitive name.
func (c *Cache) Skill(ctx context.Context, name string) (Skill, bool, error) {
	skills, err := c.Skills(ctx)
	if err != nil {
		return Skill{}, false, err
	}
	for _, s := range skills {
		if strings.EqualFold(s.Name, strings.TrimSpace(name)) {
			return s, true, nil
		}
	}
	return Skill{}, false, nil
}

// MatchSkill returns the skill whose name appears in text. The longest
// matching name wins.
func MatchSkill(skills []Skill, text string) (Skill, bool) {
	lower := strings.ToLower(text)
	best := -1
	for i, s := range skills {
		name := strings.ToLower(strings.TrimSpace(s.Name))
		if name == "" || !strings.Contains(lower, name) {
			continue
		}
		if best < 0 || len(name) > len(skills[best].Name) {
			best = i
		}
	}
	if best < 0 {
		return Skill{}, false
	}
	return skills[best], true
}

// ParseSkills reads top-level blocks as skill names and their children as
// instructions. A child starting with "Sources:" lists required tools,
// inline and comma separated or as its own children.
func ParseSkills(blocks []*graph.Block) []Skill {
	out := make([]Skill, 0, len(blocks))
	for _, b := range blocks {
		name := cleanSkillName(b.String)
		if name == "" {
			continue
		}
		s := Skill{Name: name, Body: strings.TrimSpace(graph.Render(b.Children))}
		for _, child := range b.Children {
			text := strings.TrimSpace(child.String)
			if s.Summary == "" && !isSourcesLine(text) {
				s.Summary = firstLine(text)
			}
			if isSourcesLine(text) {
				s.Sources = append(s.Sources, parseSources(text, child.Children)...)
			}
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}

func cleanSkillName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "**")
	s = strings.TrimSuffix(s, "**")
	s = strings.TrimPrefix(s, "[[")
	s = strings.TrimSuffix(s, "]]")
	return strings.TrimSpace(firstLine(s))
}

func isSourcesLine(s string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimLeft(s, "*")), "sources:")
}

func parseSources(line string, children []*graph.Block) []string {
	var out []string
	if i := strings.IndexByte(line, ':'); i >= 0 {
		for _, part := range strings.Split(line[i+1:], ",") {
			if v := cleanToolName(part); v != "" {
				out = append(out, v)
			}
		}
	}
	for _, c := range children {
		if v := cleanToolName(c.String); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func cleanToolName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "`*")
	return strings.TrimSpace(s)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

func seedSkillPage(ctx context.Context, g graph.Graph, pageUID string) error {
	uid, err := g.CreateBlock(ctx, pageUID, graph.OrderLast, "Daily Briefing")
	if err != nil {
		return err
	}
	for _, text := range []string{
		"Summarise today's calendar, unread email and open tasks in five bullets.",
		"Sources: cos_search",
		"Write the briefing to today's daily page.",
	} {
		if _, err := g.CreateBlock(ctx, uid, graph.OrderLast, text); err != nil {
			return err
		}
	}
	return nil
}
