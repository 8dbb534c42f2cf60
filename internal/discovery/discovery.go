// Package discovery periodically scans upcoming fixtures and admits the
// ones a competition rule covers into the pipeline.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/events"
	"github.com/TobiSchelling/matchwire/internal/rules"
)

// ErrNotRunning is returned when a cycle is triggered on a stopped module.
var ErrNotRunning = errors.New("discovery is not running")

// ReasonDailyLimit is reported when a rule already admitted its daily quota.
const ReasonDailyLimit = "Daily match limit reached"

// Store is the persistence discovery needs.
type Store interface {
	UpcomingUndiscovered(from, to time.Time) ([]database.Fixture, error)
	MarkDiscovered(id, ruleID string, confidence float64, at time.Time) error
	CountDiscoveredSince(ruleID string, since time.Time) (int, error)
}

// Config tunes the discovery cadence.
type Config struct {
	Interval  time.Duration
	LookAhead time.Duration
}

// CycleResult summarises one discovery pass.
type CycleResult struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Scanned    int           `json:"scanned"`
	Discovered int           `json:"discovered"`
	Filtered   int           `json:"filtered"`
	Errors     []string      `json:"errors,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
}

// Discovery owns the periodic discovery tick.
type Discovery struct {
	store Store
	rules *rules.Manager
	bus   *events.Bus
	cfg   Config
	now   func() time.Time
	log   logrus.FieldLogger

	cycleMu sync.Mutex

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	last    *CycleResult
}

// Option configures Discovery.
type Option func(*Discovery)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Discovery) { d.now = now }
}

// New creates a stopped discovery module.
func New(store Store, rm *rules.Manager, bus *events.Bus, cfg Config, log logrus.FieldLogger, opts ...Option) *Discovery {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.LookAhead <= 0 {
		cfg.LookAhead = 7 * 24 * time.Hour
	}
	d := &Discovery{
		store: store,
		rules: rm,
		bus:   bus,
		cfg:   cfg,
		now:   time.Now,
		log:   log.WithField("module", events.ModuleDiscovery),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs one cycle immediately and then schedules a cycle every
// interval. Ticks that fire while a cycle is in progress are skipped.
func (d *Discovery) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(d.log))))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", d.cfg.Interval), func() { d.RunCycle(ctx) }); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("scheduling discovery: %w", err)
	}
	d.cron = c
	d.running = true
	d.mu.Unlock()

	d.log.WithField("interval", d.cfg.Interval).Info("Starting discovery")
	d.RunCycle(ctx)
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish.
func (d *Discovery) Stop() {
	d.mu.Lock()
	c := d.cron
	wasRunning := d.running
	d.running = false
	d.cron = nil
	d.mu.Unlock()

	if !wasRunning || c == nil {
		return
	}
	<-c.Stop().Done()
	d.log.Info("Stopped discovery")
}

// Running reports whether the schedule is active.
func (d *Discovery) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// TriggerDiscovery runs a cycle now. It fails if the module is stopped.
func (d *Discovery) TriggerDiscovery(ctx context.Context) (CycleResult, error) {
	if !d.Running() {
		return CycleResult{}, ErrNotRunning
	}
	return d.RunCycle(ctx), nil
}

// RunCycle performs one discovery pass. Concurrent calls do not overlap:
// a call made while another cycle runs returns a skipped result.
func (d *Discovery) RunCycle(ctx context.Context) CycleResult {
	if !d.cycleMu.TryLock() {
		d.log.Debug("Discovery cycle already running, skipping")
		return CycleResult{Skipped: true}
	}
	defer d.cycleMu.Unlock()

	now := d.now()
	result := CycleResult{StartedAt: now}

	fixtures, err := d.store.UpcomingUndiscovered(now, now.Add(d.cfg.LookAhead))
	if err != nil {
		d.log.WithError(err).Error("Discovery cycle failed")
		result.Errors = append(result.Errors, err.Error())
		d.bus.Emit(ctx, events.SystemError, events.ModuleDiscovery, "", events.SystemErrorData{
			Module: events.ModuleDiscovery,
			Error:  fmt.Sprintf("loading upcoming fixtures: %v", err),
		})
		d.finish(&result)
		return result
	}
	result.Scanned = len(fixtures)

	dayStart := now.UTC().Truncate(24 * time.Hour)
	for _, f := range fixtures {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			break
		}

		decision := d.rules.ShouldCover(f, now)
		if !decision.Cover {
			result.Filtered++
			d.log.WithFields(logrus.Fields{"fixture_id": f.ID, "reason": decision.Reason}).Debug("Fixture filtered")
			continue
		}
		rule := decision.Rule

		if limit := rule.Analysis.MaxDailyMatches; limit > 0 {
			count, err := d.store.CountDiscoveredSince(rule.ID, dayStart)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", f.ID, err))
				continue
			}
			if count >= limit {
				result.Filtered++
				d.log.WithFields(logrus.Fields{"fixture_id": f.ID, "rule": rule.ID}).Debug(ReasonDailyLimit)
				continue
			}
		}

		confidence := Confidence(f, *rule, now)
		if err := d.store.MarkDiscovered(f.ID, rule.ID, confidence, now); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", f.ID, err))
			d.log.WithError(err).WithField("fixture_id", f.ID).Warn("Failed to mark fixture discovered")
			continue
		}
		result.Discovered++

		d.log.WithFields(logrus.Fields{
			"fixture_id": f.ID,
			"fixture":    f.Label(),
			"rule":       rule.ID,
			"confidence": confidence,
		}).Info("Discovered fixture")

		d.bus.Emit(ctx, events.MatchDiscovered, events.ModuleDiscovery, f.ID, events.MatchDiscoveredData{
			FixtureID:  f.ID,
			League:     f.League,
			HomeTeam:   f.HomeTeam,
			AwayTeam:   f.AwayTeam,
			Kickoff:    f.Kickoff,
			RuleID:     rule.ID,
			Confidence: confidence,
		})
	}

	d.finish(&result)
	d.log.WithFields(logrus.Fields{
		"scanned":    result.Scanned,
		"discovered": result.Discovered,
		"filtered":   result.Filtered,
		"errors":     len(result.Errors),
	}).Info("Discovery cycle complete")
	return result
}

func (d *Discovery) finish(result *CycleResult) {
	result.Duration = d.now().Sub(result.StartedAt)
	d.mu.Lock()
	r := *result
	d.last = &r
	d.mu.Unlock()
}

var popularLeagues = []string{"premier league", "champions league", "la liga"}

// Confidence scores how strongly a fixture deserves coverage, 0..100.
func Confidence(f database.Fixture, rule rules.Rule, now time.Time) float64 {
	score := 50.0

	switch rule.Priority {
	case rules.High:
		score += 30
	case rules.Medium:
		score += 15
	}

	if rule.IncludesTeam(f.HomeTeam) || rule.IncludesTeam(f.AwayTeam) {
		score += 20
	}

	league := strings.ToLower(f.League)
	for _, p := range popularLeagues {
		if strings.Contains(league, p) {
			score += 15
			break
		}
	}

	if hours := f.HoursUntilKickoff(now); hours >= 12 && hours <= 48 {
		score += 10
	}

	return min(max(score, 0), 100)
}

// Candidate is one fixture as a discovery pass would judge it.
type Candidate struct {
	Fixture    database.Fixture
	Decision   rules.Decision
	Confidence float64
}

// Preview evaluates upcoming fixtures without claiming them.
func (d *Discovery) Preview() ([]Candidate, error) {
	now := d.now()
	fixtures, err := d.store.UpcomingUndiscovered(now, now.Add(d.cfg.LookAhead))
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(fixtures))
	for _, f := range fixtures {
		c := Candidate{Fixture: f, Decision: d.rules.ShouldCover(f, now)}
		if c.Decision.Cover {
			c.Confidence = Confidence(f, *c.Decision.Rule, now)
		}
		out = append(out, c)
	}
	return out, nil
}

// Stats describes discovery activity.
type Stats struct {
	Running         bool         `json:"running"`
	DiscoveredToday int          `json:"discovered_today"`
	Pending         int          `json:"pending"`
	Rules           rules.Stats  `json:"rules"`
	LastCycle       *CycleResult `json:"last_cycle,omitempty"`
}

// Stats returns a snapshot of discovery activity.
func (d *Discovery) Stats() (Stats, error) {
	now := d.now()
	s := Stats{Running: d.Running(), Rules: d.rules.Stats()}

	today, err := d.store.CountDiscoveredSince("", now.UTC().Truncate(24*time.Hour))
	if err != nil {
		return s, err
	}
	s.DiscoveredToday = today

	pending, err := d.store.UpcomingUndiscovered(now, now.Add(d.cfg.LookAhead))
	if err != nil {
		return s, err
	}
	s.Pending = len(pending)

	d.mu.Lock()
	if d.last != nil {
		r := *d.last
		s.LastCycle = &r
	}
	d.mu.Unlock()
	return s, nil
}
