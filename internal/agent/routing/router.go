// Package routing scores a prompt and the recent session to pick a model
// tier when the user gave no explicit /power or /ludicrous suffix.
package routing

import (
	"sync"

	"github.com/haasonsaas/cos/pkg/models"
)

// Strategy weights; they sum to 1.
const (
	WeightToolCount  = 0.40
	WeightComplexity = 0.35
	WeightTrajectory = 0.25
)

// Defaults used when Config leaves a field zero.
const (
	DefaultPowerThreshold     = 0.45
	DefaultLudicrousThreshold = 0.80
	DefaultTrajectoryWindow   = 8
)

// toolSaturation is the estimated tool count that maxes out the
// tool-count strategy.
const toolSaturation = 4

// complexFollowupMin is the successful unique tool count a past turn needs
// before it counts toward complex_followup. Raw call and iteration counts
// are ignored; retry loops and guard nudges inflate them.
const complexFollowupMin = 2

// Config configures a Router.
type Config struct {
	PowerThreshold     float64
	LudicrousThreshold float64
	TrajectoryWindow   int
}

func (c Config) withDefaults() Config {
	if c.PowerThreshold <= 0 {
		c.PowerThreshold = DefaultPowerThreshold
	}
	if c.LudicrousThreshold <= 0 {
		c.LudicrousThreshold = DefaultLudicrousThreshold
	}
	if c.LudicrousThreshold < c.PowerThreshold {
		c.LudicrousThreshold = c.PowerThreshold
	}
	if c.TrajectoryWindow <= 0 {
		c.TrajectoryWindow = DefaultTrajectoryWindow
	}
	return c
}

// Input is what the agent knows about a request before routing.
type Input struct {
	Prompt string
	// Skill is the matched skill name, empty when none matched.
	Skill string
	// SkillSources are the matched skill's declared tools.
	SkillSources []string
	// RoutedMCP is set when the request may use a local MCP server large
	// enough to sit behind the route/execute meta-tools.
	RoutedMCP bool
}

// Decision is a routing outcome with its breakdown.
type Decision struct {
	Tier       models.Tier
	Score      float64
	ToolCount  int
	ToolScore  float64
	Complexity float64
	Trajectory float64
	Signals    []string
	// Capped is set when the skill ceiling lowered the tier.
	Capped bool
	// Promoted is set when routed MCP raised the tier.
	Promoted bool
}

// TurnStats summarises one finished run for the trajectory window.
type TurnStats struct {
	ToolCalls        int
	UniqueTools      int
	SuccessfulUnique int
	Iterations       int
	Escalated        bool
}

// StatsFromTrace derives TurnStats from a run trace.
func StatsFromTrace(t *models.RunTrace) TurnStats {
	if t == nil {
		return TurnStats{}
	}
	return TurnStats{
		ToolCalls:        len(t.ToolCalls),
		UniqueTools:      t.UniqueTools(),
		SuccessfulUnique: t.UniqueSuccessfulTools(),
		Iterations:       t.Iterations,
		Escalated:        t.Escalated,
	}
}

// Router picks tiers. It is safe for concurrent use.
type Router struct {
	cfg Config

	mu     sync.Mutex
	window []TurnStats
}

// NewRouter creates a Router.
func NewRouter(cfg Config) *Router {
	return &Router{cfg: cfg.withDefaults()}
}

// Record pushes a finished run onto the trajectory window.
func (r *Router) Record(t *models.RunTrace) {
	r.Push(StatsFromTrace(t))
}

// Push appends stats, evicting the oldest beyond the window size.
func (r *Router) Push(s TurnStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = append(r.window, s)
	if over := len(r.window) - r.cfg.TrajectoryWindow; over > 0 {
		r.window = append([]TurnStats(nil), r.window[over:]...)
	}
}

// Reset clears the trajectory, as /clear does.
func (r *Router) Reset() {
	r.mu.Lock()
	r.window = nil
	r.mu.Unlock()
}

// Window returns a copy of the trajectory window, oldest first.
func (r *Router) Window() []TurnStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TurnStats(nil), r.window...)
}

// Route scores in against the current trajectory.
func (r *Router) Route(in Input) Decision {
	prompt := normalizePrompt(in.Prompt)
	var d Decision

	if in.Skill != "" {
		d.ToolCount = len(in.SkillSources)
		d.Signals = append(d.Signals, "skill:"+in.Skill)
	} else {
		families := toolFamilies(prompt)
		d.ToolCount = len(families)
		for _, f := range families {
			d.Signals = append(d.Signals, "tool:"+f)
		}
	}
	d.ToolScore = float64(min(d.ToolCount, toolSaturation)) / toolSaturation

	var fired []string
	d.Complexity, fired = complexity(prompt)
	d.Signals = append(d.Signals, fired...)

	var followup bool
	d.Trajectory, followup = r.trajectory()
	if followup {
		d.Signals = append(d.Signals, "complex_followup")
	}

	d.Score = WeightToolCount*d.ToolScore + WeightComplexity*d.Complexity + WeightTrajectory*d.Trajectory
	d.Tier = r.tierFor(d.Score)

	if d.ToolCount == 0 && !in.RoutedMCP {
		d.Tier = models.TierMini
	}
	if in.Skill != "" && d.Tier.Rank() > models.TierPower.Rank() {
		d.Tier = models.TierPower
		d.Capped = true
	}
	if in.RoutedMCP && d.Tier.Rank() < models.TierPower.Rank() {
		d.Tier = models.TierPower
		d.Promoted = true
	}
	return d
}

// tierFor maps a score to a tier. A score exactly at a threshold stays on
// the lower tier.
func (r *Router) tierFor(score float64) models.Tier {
	switch {
	case score > r.cfg.LudicrousThreshold:
		return models.TierLudicrous
	case score > r.cfg.PowerThreshold:
		return models.TierPower
	default:
		return models.TierMini
	}
}

// trajectory scores the session in [0,1]. It is zero unless some turn in
// the window used at least two distinct tools successfully.
func (r *Router) trajectory() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.window) == 0 {
		return 0, false
	}
	hits := 0
	for _, s := range r.window {
		if s.SuccessfulUnique >= complexFollowupMin {
			hits++
		}
	}
	if hits == 0 {
		return 0, false
	}
	score := 0.5 + 0.5*float64(hits)/float64(len(r.window))
	if last := r.window[len(r.window)-1]; last.SuccessfulUnique >= complexFollowupMin && last.Escalated {
		score += 0.1
	}
	return min(score, 1), true
}
