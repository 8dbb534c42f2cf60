// Package rules decides which fixtures the pipeline covers and with which
// per-competition settings.
package rules

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/TobiSchelling/matchwire/internal/database"
)

var (
	ErrNoRule        = errors.New("competition rule not found")
	ErrDuplicateRule = errors.New("competition rule already exists")
)

// Priority orders rules and the work they generate.
type Priority string

const (
	High   Priority = "high"
	Medium Priority = "medium"
	Low    Priority = "low"
)

// Rank returns 0 for high, 1 for medium and 2 for anything else.
func (p Priority) Rank() int {
	switch p {
	case High:
		return 0
	case Medium:
		return 1
	default:
		return 2
	}
}

// Criteria selects fixtures by league and team.
type Criteria struct {
	Leagues      []string `yaml:"leagues" json:"leagues"`
	Countries    []string `yaml:"countries,omitempty" json:"countries,omitempty"`
	IncludeTeams []string `yaml:"include_teams,omitempty" json:"include_teams,omitempty"`
	ExcludeTeams []string `yaml:"exclude_teams,omitempty" json:"exclude_teams,omitempty"`
}

// AnalysisSettings tunes analysis and publication for a competition.
type AnalysisSettings struct {
	AutoAnalyze     bool    `yaml:"auto_analyze" json:"auto_analyze"`
	AutoPublish     bool    `yaml:"auto_publish" json:"auto_publish"`
	MinConfidence   float64 `yaml:"min_confidence_threshold" json:"min_confidence_threshold"`
	RequireNews     bool    `yaml:"require_news" json:"require_news"`
	MaxDailyMatches int     `yaml:"max_daily_matches" json:"max_daily_matches"`
}

// NewsSettings tunes news collection for a competition.
type NewsSettings struct {
	Sources      []string `yaml:"sources" json:"sources"`
	Keywords     []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	MinRelevance float64  `yaml:"min_relevance_score" json:"min_relevance_score"`
	MaxPerSource int      `yaml:"max_articles_per_source" json:"max_articles_per_source"`
}

// Timing bounds, in hours before kickoff, when work may happen.
type Timing struct {
	AnalyzeHoursBefore float64 `yaml:"analyze_hours_before_kickoff" json:"analyze_hours_before_kickoff"`
	StopHoursBefore    float64 `yaml:"stop_analysis_hours_before_kickoff" json:"stop_analysis_hours_before_kickoff"`
	PublishHoursBefore float64 `yaml:"publish_hours_before_kickoff" json:"publish_hours_before_kickoff"`
}

// Rule is one competition's coverage policy.
type Rule struct {
	ID       string           `yaml:"id" json:"id"`
	Name     string           `yaml:"name" json:"name"`
	Enabled  bool             `yaml:"enabled" json:"enabled"`
	Priority Priority         `yaml:"priority" json:"priority"`
	Criteria Criteria         `yaml:"criteria" json:"criteria"`
	Analysis AnalysisSettings `yaml:"analysis" json:"analysis"`
	News     NewsSettings     `yaml:"news" json:"news"`
	Timing   Timing           `yaml:"timing" json:"timing"`
}

// Validate checks the rule is internally consistent.
func (r Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	if len(r.Criteria.Leagues) == 0 {
		return fmt.Errorf("rule %s: at least one league is required", r.ID)
	}
	if r.Timing.StopHoursBefore > r.Timing.AnalyzeHoursBefore {
		return fmt.Errorf("rule %s: stop window (%vh) exceeds analysis window (%vh)",
			r.ID, r.Timing.StopHoursBefore, r.Timing.AnalyzeHoursBefore)
	}
	return nil
}

// MatchesLeague reports whether league matches one of the rule's leagues by
// case-insensitive containment in either direction.
func (r Rule) MatchesLeague(league string) bool {
	l := strings.ToLower(league)
	for _, want := range r.Criteria.Leagues {
		w := strings.ToLower(want)
		if strings.Contains(l, w) || strings.Contains(w, l) {
			return true
		}
	}
	return false
}

// IncludesTeam reports whether team matches the rule's include list.
func (r Rule) IncludesTeam(team string) bool {
	return containsTeam(r.Criteria.IncludeTeams, team)
}

// ExcludesTeam reports whether team matches the rule's exclude list.
func (r Rule) ExcludesTeam(team string) bool {
	return containsTeam(r.Criteria.ExcludeTeams, team)
}

func containsTeam(list []string, team string) bool {
	t := strings.ToLower(team)
	for _, name := range list {
		if strings.Contains(t, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

// Rejection reasons reported by ShouldCover.
const (
	ReasonNoRule      = "No matching competition rule found"
	ReasonDisabled    = "Competition rule disabled"
	ReasonExcluded    = "Team excluded by rule"
	ReasonNotIncluded = "No included teams found"
	ReasonTooClose    = "Too close to kickoff for analysis"
	ReasonTooEarly    = "Too early for analysis"
)

// Decision is the outcome of ShouldCover.
type Decision struct {
	Cover  bool
	Rule   *Rule
	Reason string
}

// ShouldCover decides whether a fixture is covered. The highest-priority
// rule whose league matches is authoritative: later rules are never
// consulted, even if the first one rejects. The result depends only on the
// arguments.
func ShouldCover(rules []Rule, f database.Fixture, now time.Time) Decision {
	ranked := slices.Clone(rules)
	slices.SortStableFunc(ranked, func(a, b Rule) int {
		return a.Priority.Rank() - b.Priority.Rank()
	})

	idx := slices.IndexFunc(ranked, func(r Rule) bool { return r.MatchesLeague(f.League) })
	if idx < 0 {
		return Decision{Reason: ReasonNoRule}
	}
	rule := ranked[idx]
	reject := func(reason string) Decision {
		return Decision{Rule: &rule, Reason: reason}
	}

	if !rule.Enabled {
		return reject(ReasonDisabled)
	}
	if rule.ExcludesTeam(f.HomeTeam) || rule.ExcludesTeam(f.AwayTeam) {
		return reject(ReasonExcluded)
	}
	if len(rule.Criteria.IncludeTeams) > 0 && !rule.IncludesTeam(f.HomeTeam) && !rule.IncludesTeam(f.AwayTeam) {
		return reject(ReasonNotIncluded)
	}

	hours := f.HoursUntilKickoff(now)
	if hours < rule.Timing.StopHoursBefore {
		return reject(ReasonTooClose)
	}
	if hours > rule.Timing.AnalyzeHoursBefore {
		return reject(ReasonTooEarly)
	}
	return Decision{Cover: true, Rule: &rule}
}

// Stats summarises the configured rules.
type Stats struct {
	Total        int `json:"total_rules"`
	Enabled      int `json:"enabled_rules"`
	HighPriority int `json:"high_priority_rules"`
	AutoPublish  int `json:"auto_publish_rules"`
}

// Manager holds the live rule set. It is safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewManager creates a manager seeded with rules. A nil or empty slice
// falls back to DefaultRules.
func NewManager(rules []Rule) (*Manager, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	m := &Manager{}
	for _, r := range rules {
		if err := m.Add(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ShouldCover evaluates a fixture against the current rule set.
func (m *Manager) ShouldCover(f database.Fixture, now time.Time) Decision {
	return ShouldCover(m.Rules(), f, now)
}

// Rules returns a copy of every rule, highest priority first.
func (m *Manager) Rules() []Rule {
	m.mu.RLock()
	out := slices.Clone(m.rules)
	m.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b Rule) int { return a.Priority.Rank() - b.Priority.Rank() })
	return out
}

// Enabled returns the enabled rules, highest priority first.
func (m *Manager) Enabled() []Rule {
	return slices.DeleteFunc(m.Rules(), func(r Rule) bool { return !r.Enabled })
}

// Get returns a rule by id.
func (m *Manager) Get(id string) (Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// Add registers a new rule.
func (m *Manager) Add(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.ContainsFunc(m.rules, func(x Rule) bool { return x.ID == r.ID }) {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
	}
	m.rules = append(m.rules, r)
	return nil
}

// Update applies fn to a copy of the rule and stores it if still valid.
func (m *Manager) Update(id string, fn func(*Rule)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.ID != id {
			continue
		}
		fn(&r)
		r.ID = id
		if err := r.Validate(); err != nil {
			return err
		}
		m.rules[i] = r
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoRule, id)
}

// SetEnabled toggles a rule.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	return m.Update(id, func(r *Rule) { r.Enabled = enabled })
}

// Remove deletes a rule.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.rules)
	m.rules = slices.DeleteFunc(m.rules, func(r Rule) bool { return r.ID == id })
	if len(m.rules) == n {
		return fmt.Errorf("%w: %s", ErrNoRule, id)
	}
	return nil
}

// Stats counts rules by state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Total: len(m.rules)}
	for _, r := range m.rules {
		if r.Enabled {
			s.Enabled++
		}
		if r.Priority == High {
			s.HighPriority++
		}
		if r.Analysis.AutoPublish {
			s.AutoPublish++
		}
	}
	return s
}
