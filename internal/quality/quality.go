// Package quality validates generated analyses against a fixed rubric and
// decides whether they may be published.
package quality

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

	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/events"
	"github.com/TobiSchelling/matchwire/internal/queue"
	"github.com/TobiSchelling/matchwire/internal/rules"
)

var (
	ErrAnalysisNotFound = errors.New("analysis not found")
	ErrFixtureNotFound  = errors.New("fixture not found")
)

var defaultWords = Words{
	Profanity: []string{"damn", "shit", "fuck", "bastard"},
	Informal:  []string{"gonna", "wanna", "awesome", "totally", "super"},
}

// Store is the persistence the module needs.
type Store interface {
	GetFixture(id string) (*database.Fixture, error)
	GetAnalysis(id string) (*database.Analysis, error)
	GetIntelligence(fixtureID string) (*database.MatchIntelligence, error)
	InsertValidation(v database.Validation) error
	SetStage(id string, stage database.Stage) error
	SummarizeValidationsSince(since time.Time) (database.ValidationSummary, error)
}

// Request is one queued validation.
type Request struct {
	FixtureID  string
	AnalysisID string
	Priority   rules.Priority
}

// PriorityFor ranks validations by the analysis confidence.
func PriorityFor(confidence float64) rules.Priority {
	switch {
	case confidence >= 85:
		return rules.High
	case confidence >= 70:
		return rules.Medium
	default:
		return rules.Low
	}
}

// Config tunes the module.
type Config struct {
	Delay time.Duration
	Words Words
}

// Controller owns the validation queue and its serial worker.
type Controller struct {
	store Store
	rules *rules.Manager
	bus   *events.Bus
	words Words
	delay time.Duration
	now   func() time.Time
	log   logrus.FieldLogger

	queue      *queue.Priority[Request]
	processing atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates the module and subscribes it to analysis.completed.
func New(store Store, rm *rules.Manager, bus *events.Bus, cfg Config, log logrus.FieldLogger, opts ...Option) *Controller {
	words := cfg.Words
	if len(words.Profanity) == 0 {
		words.Profanity = defaultWords.Profanity
	}
	if len(words.Informal) == 0 {
		words.Informal = defaultWords.Informal
	}
	c := &Controller{
		store: store,
		rules: rm,
		bus:   bus,
		words: words,
		delay: cfg.Delay,
		now:   time.Now,
		log:   log.WithField("module", events.ModuleQuality),
		queue: queue.NewPriority(
			func(r Request) string { return r.AnalysisID },
			func(r Request) int { return r.Priority.Rank() },
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	bus.Subscribe(events.AnalysisCompleted, events.ModuleQuality, c.onAnalysisCompleted)
	return c
}

func (c *Controller) onAnalysisCompleted(ctx context.Context, evt events.Event) error {
	data, ok := evt.Data.(events.AnalysisCompletedData)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Data)
	}
	c.Enqueue(Request{
		FixtureID:  data.FixtureID,
		AnalysisID: data.AnalysisID,
		Priority:   PriorityFor(data.Confidence),
	})
	return nil
}

// Enqueue adds a validation request. An analysis is queued at most once.
func (c *Controller) Enqueue(req Request) bool {
	added := c.queue.Push(req)
	c.log.WithFields(logrus.Fields{
		"fixture_id":  req.FixtureID,
		"analysis_id": req.AnalysisID,
		"priority":    req.Priority,
		"queued":      added,
	}).Debug("Queued validation")
	return added
}

// Start launches the worker.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		queue.Drain(ctx, c.queue, queue.NewLimiter(c.delay), c.handle)
	}(c.done)
	c.log.WithField("delay", c.delay).Info("Started validation worker")
}

// Stop halts the worker after the current validation.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.log.Info("Stopped validation worker")
}

func (c *Controller) handle(ctx context.Context, req Request) {
	c.processing.Store(true)
	defer c.processing.Store(false)

	if _, err := c.Process(ctx, req); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"fixture_id":  req.FixtureID,
			"analysis_id": req.AnalysisID,
		}).Error("Validation failed")
		c.bus.Emit(ctx, events.SystemError, events.ModuleQuality, req.FixtureID, events.SystemErrorData{
			Module:     events.ModuleQuality,
			FixtureID:  req.FixtureID,
			AnalysisID: req.AnalysisID,
			Trigger:    events.AnalysisCompleted,
			Error:      err.Error(),
		})
	}
}

// Process validates one analysis, stores the immutable verdict, moves the
// fixture to the matching stage and announces the outcome.
func (c *Controller) Process(ctx context.Context, req Request) (*database.Validation, error) {
	an, err := c.store.GetAnalysis(req.AnalysisID)
	if err != nil {
		return nil, fmt.Errorf("loading analysis: %w", err)
	}
	if an == nil {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisNotFound, req.AnalysisID)
	}
	f, err := c.store.GetFixture(an.FixtureID)
	if err != nil {
		return nil, fmt.Errorf("loading fixture: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrFixtureNotFound, an.FixtureID)
	}
	mi, err := c.store.GetIntelligence(f.ID)
	if err != nil {
		return nil, fmt.Errorf("loading intelligence: %w", err)
	}

	var rule rules.Rule
	if f.RuleID != nil {
		rule, _ = c.rules.Get(*f.RuleID)
	}

	results := RunChecks(Subject{
		Fixture:       *f,
		Analysis:      *an,
		Intelligence:  mi,
		MinConfidence: rule.Analysis.MinConfidence,
	}, c.words)
	scores := Score(results)
	status, reason := Decide(results, scores)
	critical, major, minor := Issues(results)

	v := database.Validation{
		ID:             uuid.NewString(),
		FixtureID:      f.ID,
		AnalysisID:     an.ID,
		Overall:        scores.Overall,
		Safety:         scores.Safety,
		Accuracy:       scores.Accuracy,
		Completeness:   scores.Completeness,
		Style:          scores.Style,
		Checks:         results,
		CriticalIssues: critical,
		MajorIssues:    major,
		MinorIssues:    minor,
		Status:         status,
		Reason:         reason,
		AutoApproved:   status == database.ValidationApproved && rule.Analysis.AutoPublish,
		ValidatedAt:    c.now(),
	}
	if err := c.store.InsertValidation(v); err != nil {
		return nil, fmt.Errorf("storing validation: %w", err)
	}

	stage := database.StageValidated
	switch status {
	case database.ValidationNeedsReview:
		stage = database.StageNeedsReview
	case database.ValidationRejected:
		stage = database.StageRejected
	}
	if err := c.store.SetStage(f.ID, stage); err != nil {
		return nil, fmt.Errorf("updating stage: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"fixture_id":    f.ID,
		"analysis_id":   an.ID,
		"validation_id": v.ID,
		"overall":       v.Overall,
		"status":        v.Status,
		"auto_approved": v.AutoApproved,
	}).Info("Validated analysis")

	c.bus.Emit(ctx, events.ContentValidated, events.ModuleQuality, f.ID, events.ContentValidatedData{
		FixtureID:    f.ID,
		AnalysisID:   an.ID,
		ValidationID: v.ID,
		Overall:      v.Overall,
		Status:       v.Status,
		AutoApproved: v.AutoApproved,
	})
	if status == database.ValidationRejected {
		c.bus.Emit(ctx, events.ContentRejected, events.ModuleQuality, f.ID, events.ContentRejectedData{
			FixtureID: f.ID,
			Stage:     "quality",
			Reason:    reason,
		})
	}
	return &v, nil
}

// Stats describes the module's queue and today's verdicts.
type Stats struct {
	QueueSize       int     `json:"queue_size"`
	Processing      bool    `json:"processing"`
	ValidatedToday  int     `json:"validated_today"`
	AvgQualityScore float64 `json:"avg_quality_score"`
	ApprovalRate    float64 `json:"approval_rate"`
}

// Stats returns a snapshot of the module's activity.
func (c *Controller) Stats() (Stats, error) {
	s := Stats{QueueSize: c.queue.Len(), Processing: c.processing.Load()}
	sum, err := c.store.SummarizeValidationsSince(c.now().UTC().Truncate(24 * time.Hour))
	if err != nil {
		return s, err
	}
	s.ValidatedToday = sum.Count
	s.AvgQualityScore = math.Round(sum.AvgOverall)
	if sum.Count > 0 {
		s.ApprovalRate = math.Round(float64(sum.Approved)/float64(sum.Count)*100) / 100
	}
	return s, nil
}

// Idle reports whether nothing is queued or in flight.
func (c *Controller) Idle() bool {
	return c.queue.Len() == 0 && !c.processing.Load()
}
