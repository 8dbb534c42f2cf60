// Package analysis turns enriched fixtures and their news into a scored
// pre-match analysis.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/events"
	"github.com/TobiSchelling/matchwire/internal/queue"
	"github.com/TobiSchelling/matchwire/internal/rules"
)

var (
	ErrFixtureNotFound   = errors.New("fixture not found")
	ErrTooCloseToKickoff = errors.New("too close to kickoff for analysis")
)

const (
	defaultConcurrency = 3

	// contextBoost is added to the confidence when both team intel and
	// news backed the analysis.
	contextBoost = 10
)

// Store is the persistence the module needs.
type Store interface {
	GetFixture(id string) (*database.Fixture, error)
	GetIntelligence(fixtureID string) (*database.MatchIntelligence, error)
	ArticlesForFixture(fixtureID string) ([]database.NewsArticle, error)
	GetAnalysisForFixture(fixtureID string) (*database.Analysis, error)
	SaveAnalysis(a *database.Analysis) error
	SetStage(id string, stage database.Stage) error
}

// Request is one queued analysis job.
type Request struct {
	FixtureID string
	RuleID    string
	Priority  rules.Priority
	Trigger   events.Type
}

// Config tunes the module.
type Config struct {
	Concurrency int
}

// Analyzer owns the analysis queue and a capped pool of workers.
type Analyzer struct {
	store       Store
	rules       *rules.Manager
	bus         *events.Bus
	generator   Generator
	concurrency int
	now         func() time.Time
	log         logrus.FieldLogger

	queue     *queue.Priority[Request]
	sem       *semaphore.Weighted
	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	inflight  sync.WaitGroup

	runMu   sync.Mutex
	running map[string]struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *time.Time
}

// Option configures the Analyzer.
type Option func(*Analyzer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// New creates the module and subscribes it to news.collected and
// match.enriched.
func New(store Store, rm *rules.Manager, bus *events.Bus, gen Generator, cfg Config, log logrus.FieldLogger, opts ...Option) *Analyzer {
	n := cfg.Concurrency
	if n <= 0 {
		n = defaultConcurrency
	}
	a := &Analyzer{
		store:       store,
		rules:       rm,
		bus:         bus,
		generator:   gen,
		concurrency: n,
		now:         time.Now,
		log:         log.WithField("module", events.ModuleAnalysis),
		queue: queue.NewPriority(
			func(r Request) string { return r.FixtureID },
			func(r Request) int { return r.Priority.Rank() },
		),
		sem:     semaphore.NewWeighted(int64(n)),
		running: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	bus.Subscribe(events.NewsCollected, events.ModuleAnalysis, a.onNewsCollected)
	bus.Subscribe(events.MatchEnriched, events.ModuleAnalysis, a.onEnriched)
	return a
}

func (a *Analyzer) onEnriched(ctx context.Context, evt events.Event) error {
	data, ok := evt.Data.(events.MatchEnrichedData)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Data)
	}
	rule, ok := a.rules.Get(data.RuleID)
	if !ok {
		return fmt.Errorf("%w: %q", rules.ErrNoRule, data.RuleID)
	}
	if rule.Analysis.RequireNews || !rule.Analysis.AutoAnalyze {
		return nil
	}
	a.enqueue(Request{FixtureID: data.FixtureID, RuleID: rule.ID, Priority: rule.Priority, Trigger: evt.Type})
	return nil
}

func (a *Analyzer) onNewsCollected(ctx context.Context, evt events.Event) error {
	data, ok := evt.Data.(events.NewsCollectedData)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Data)
	}
	f, err := a.store.GetFixture(data.FixtureID)
	if err != nil {
		return fmt.Errorf("loading fixture: %w", err)
	}
	if f == nil {
		return fmt.Errorf("%w: %s", ErrFixtureNotFound, data.FixtureID)
	}
	rule, err := a.ruleFor(f)
	if err != nil {
		return err
	}
	if !rule.Analysis.AutoAnalyze {
		return nil
	}

	switch f.Stage {
	case database.StageValidated, database.StageNeedsReview, database.StageRejected,
		database.StageScheduled, database.StagePublished:
		a.log.WithFields(logrus.Fields{"fixture_id": f.ID, "stage": f.Stage}).
			Debug("Fixture past analysis, ignoring news")
		return nil
	}
	if f.Stage == database.StageAnalyzing || f.Stage == database.StageAnalyzed {
		existing, err := a.store.GetAnalysisForFixture(f.ID)
		if err != nil {
			return fmt.Errorf("loading analysis: %w", err)
		}
		if !rule.Analysis.RequireNews || existing != nil {
			a.log.WithFields(logrus.Fields{"fixture_id": f.ID, "stage": f.Stage}).
				Debug("Fixture already analysed, ignoring news")
			return nil
		}
	}
	a.enqueue(Request{FixtureID: f.ID, RuleID: rule.ID, Priority: rule.Priority, Trigger: evt.Type})
	return nil
}

func (a *Analyzer) ruleFor(f *database.Fixture) (rules.Rule, error) {
	id := ""
	if f.RuleID != nil {
		id = *f.RuleID
	}
	rule, ok := a.rules.Get(id)
	if !ok {
		return rules.Rule{}, fmt.Errorf("%w: %q", rules.ErrNoRule, id)
	}
	return rule, nil
}

// enqueue adds the request or refreshes the one already waiting for the
// same fixture in place.
func (a *Analyzer) enqueue(req Request) {
	added := a.queue.Upsert(req)
	a.log.WithFields(logrus.Fields{
		"fixture_id": req.FixtureID,
		"priority":   req.Priority,
		"trigger":    req.Trigger,
		"updated":    !added,
		"queue":      a.queue.Len(),
	}).Debug("Queued fixture for analysis")
}

// TriggerAnalysis queues a fixture regardless of its stage. The fixture's
// stored articles are used when it is processed.
func (a *Analyzer) TriggerAnalysis(ctx context.Context, fixtureID string) error {
	f, err := a.store.GetFixture(fixtureID)
	if err != nil {
		return fmt.Errorf("loading fixture: %w", err)
	}
	if f == nil {
		return fmt.Errorf("%w: %s", ErrFixtureNotFound, fixtureID)
	}
	rule, err := a.ruleFor(f)
	if err != nil {
		return err
	}
	if f.HoursUntilKickoff(a.now()) < rule.Timing.StopHoursBefore {
		return fmt.Errorf("%w: %s", ErrTooCloseToKickoff, fixtureID)
	}
	a.enqueue(Request{FixtureID: f.ID, RuleID: rule.ID, Priority: rule.Priority})
	return nil
}

// Start launches the dispatcher. At most Concurrency analyses run at once.
func (a *Analyzer) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		queue.Drain(ctx, a.queue, queue.NewLimiter(0), a.dispatch)
	}(a.done)
	a.log.WithFields(logrus.Fields{"concurrency": a.concurrency, "generator": a.generator.Name()}).
		Info("Started analysis workers")
}

// Stop halts the dispatcher and waits for running analyses.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.inflight.Wait()
	a.log.Info("Stopped analysis workers")
}

// dispatch runs req on a free worker. A request for a fixture whose
// analysis is already running is dropped: that run produces the artifact.
func (a *Analyzer) dispatch(ctx context.Context, req Request) {
	a.runMu.Lock()
	_, busy := a.running[req.FixtureID]
	a.runMu.Unlock()
	if busy {
		a.log.WithFields(logrus.Fields{"fixture_id": req.FixtureID, "trigger": req.Trigger}).
			Debug("Analysis already running, dropping request")
		return
	}
	if err := a.sem.Acquire(ctx, 1); err != nil {
		// Shutting down; keep the request for the next Start.
		a.queue.Upsert(req)
		return
	}
	a.runMu.Lock()
	a.running[req.FixtureID] = struct{}{}
	a.runMu.Unlock()
	a.active.Add(1)
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		defer a.sem.Release(1)
		defer a.active.Add(-1)
		defer func() {
			a.runMu.Lock()
			delete(a.running, req.FixtureID)
			a.runMu.Unlock()
		}()
		a.handle(ctx, req)
	}()
}

func (a *Analyzer) handle(ctx context.Context, req Request) {
	if _, err := a.Process(ctx, req); err != nil {
		a.failed.Add(1)
		a.log.WithError(err).WithField("fixture_id", req.FixtureID).Error("Analysis failed")
		a.bus.Emit(ctx, events.SystemError, events.ModuleAnalysis, req.FixtureID, events.SystemErrorData{
			Module:    events.ModuleAnalysis,
			FixtureID: req.FixtureID,
			Trigger:   req.Trigger,
			Error:     err.Error(),
		})
	}
}

// Process analyses one fixture. A fixture inside the rule's stop window is
// skipped and returns (nil, nil). A generator failure marks the fixture
// failed and is not retried.
func (a *Analyzer) Process(ctx context.Context, req Request) (*database.Analysis, error) {
	f, err := a.store.GetFixture(req.FixtureID)
	if err != nil {
		return nil, fmt.Errorf("loading fixture: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrFixtureNotFound, req.FixtureID)
	}
	if req.RuleID == "" && f.RuleID != nil {
		req.RuleID = *f.RuleID
	}
	rule, ok := a.rules.Get(req.RuleID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", rules.ErrNoRule, req.RuleID)
	}

	start := a.now()
	if hours := f.HoursUntilKickoff(start); hours < rule.Timing.StopHoursBefore {
		a.log.WithFields(logrus.Fields{"fixture_id": f.ID, "hours_until_kickoff": math.Round(hours*10) / 10}).
			Warn("Too close to kickoff, skipping analysis")
		return nil, nil
	}

	if err := a.store.SetStage(f.ID, database.StageAnalyzing); err != nil {
		return nil, fmt.Errorf("updating stage: %w", err)
	}
	mi, err := a.store.GetIntelligence(f.ID)
	if err != nil {
		return nil, fmt.Errorf("loading intelligence: %w", err)
	}
	articles, err := a.store.ArticlesForFixture(f.ID)
	if err != nil {
		return nil, fmt.Errorf("loading articles: %w", err)
	}

	draft, err := a.generator.Generate(ctx, Input{Fixture: *f, Rule: rule, Intelligence: mi, Articles: articles})
	if err != nil {
		if serr := a.store.SetStage(f.ID, database.StageFailed); serr != nil {
			a.log.WithError(serr).WithField("fixture_id", f.ID).Warn("Could not mark fixture failed")
		}
		return nil, fmt.Errorf("generator %s: %w", a.generator.Name(), err)
	}

	an := a.assemble(*f, rule, mi, articles, draft)
	an.ProcessingTime = a.now().Sub(start)
	if err := a.store.SaveAnalysis(an); err != nil {
		return nil, fmt.Errorf("saving analysis: %w", err)
	}
	if err := a.store.SetStage(f.ID, database.StageAnalyzed); err != nil {
		return nil, fmt.Errorf("updating stage: %w", err)
	}

	a.processed.Add(1)
	now := a.now()
	a.mu.Lock()
	a.last = &now
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"fixture_id":  f.ID,
		"analysis_id": an.ID,
		"confidence":  an.Confidence,
		"pre_status":  an.PreStatus,
		"articles":    an.ArticleCount,
	}).Info("Completed analysis")

	a.bus.Emit(ctx, events.AnalysisCompleted, events.ModuleAnalysis, f.ID, events.AnalysisCompletedData{
		FixtureID:           f.ID,
		AnalysisID:          an.ID,
		Confidence:          an.Confidence,
		ValidationStatus:    an.PreStatus,
		AutoPublishEligible: an.AutoPublishEligible,
	})
	return an, nil
}

// assemble scores a draft into the stored analysis.
func (a *Analyzer) assemble(f database.Fixture, rule rules.Rule, mi *database.MatchIntelligence,
	articles []database.NewsArticle, d *Draft) *database.Analysis {
	hasTeams := mi.HasTeams()
	confidence := d.Confidence
	if hasTeams && len(articles) > 0 {
		confidence = math.Min(100, confidence+contextBoost)
	}

	an := &database.Analysis{
		ID:            uuid.NewString(),
		FixtureID:     f.ID,
		Confidence:    confidence,
		Prediction:    d.Prediction,
		Insights:      d.Insights,
		Tactical:      d.Tactical,
		Statistical:   d.Statistical,
		NewsSentiment: meanSentiment(articles),
		ArticleCount:  len(articles),
		Completeness:  Completeness(mi, len(articles)),
		DataQuality:   DataQuality(confidence, len(articles), hasTeams),
		Generator:     a.generator.Name(),
		CreatedAt:     a.now(),
	}
	an.PreStatus = PreStatus(confidence, rule.Analysis.MinConfidence, hasTeams, len(articles))
	an.AutoPublishEligible = rule.Analysis.AutoPublish && confidence >= rule.Analysis.MinConfidence && hasTeams
	return an
}

// Completeness rates how much context backed the analysis, from 0.6 to 1.
func Completeness(mi *database.MatchIntelligence, articles int) float64 {
	score := 0.6
	if mi.HasTeams() {
		score += 0.2
	}
	if mi != nil && mi.Venue != nil {
		score += 0.1
	}
	if articles > 0 {
		score += 0.1
	}
	if mi != nil && mi.HeadToHead != nil {
		score += 0.1
	}
	return math.Min(1, score)
}

// DataQuality rates the inputs of the analysis, from 0.7 to 1.
func DataQuality(confidence float64, articles int, hasTeams bool) float64 {
	score := 0.7
	if articles >= 5 {
		score += 0.15
	}
	if confidence >= 80 {
		score += 0.1
	}
	if hasTeams {
		score += 0.05
	}
	return math.Min(1, score)
}

// PreStatus is the analysis module's own verdict ahead of quality control.
func PreStatus(confidence, threshold float64, hasTeams bool, articles int) string {
	switch {
	case confidence >= threshold && hasTeams && articles >= 3:
		return database.PreApproved
	case confidence >= threshold-10:
		return database.PreNeedsReview
	case confidence < threshold-20:
		return database.PreRejected
	default:
		return database.PrePending
	}
}

func meanSentiment(articles []database.NewsArticle) float64 {
	if len(articles) == 0 {
		return 0
	}
	var sum float64
	for _, a := range articles {
		sum += a.Sentiment
	}
	return sum / float64(len(articles))
}

// Stats describes the module's queue and throughput.
type Stats struct {
	QueueSize      int        `json:"queue_size"`
	Active         int        `json:"active"`
	Concurrency    int        `json:"concurrency"`
	Processed      int64      `json:"processed"`
	Failed         int64      `json:"failed"`
	Generator      string     `json:"generator"`
	LastAnalyzedAt *time.Time `json:"last_analyzed_at,omitempty"`
}

// Stats returns a snapshot of the module's activity.
func (a *Analyzer) Stats() Stats {
	s := Stats{
		QueueSize:   a.queue.Len(),
		Active:      int(a.active.Load()),
		Concurrency: a.concurrency,
		Processed:   a.processed.Load(),
		Failed:      a.failed.Load(),
		Generator:   a.generator.Name(),
	}
	a.mu.Lock()
	if a.last != nil {
		t := *a.last
		s.LastAnalyzedAt = &t
	}
	a.mu.Unlock()
	return s
}

// Idle reports whether nothing is queued or running.
func (a *Analyzer) Idle() bool {
	return a.queue.Len() == 0 && a.active.Load() == 0
}
