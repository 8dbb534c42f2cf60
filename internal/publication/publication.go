// Package publication publishes validated analyses, either immediately or
// at a scheduled time ahead of kickoff, and keeps an append-only audit
// trail for every publication.
package publication

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
	ErrAlreadyPublished = errors.New("fixture already published")
	ErrNotScheduled     = errors.New("publication is not scheduled")
	ErrNotFound         = errors.New("publication not found")
	ErrFixtureNotFound  = errors.New("fixture not found")
	ErrNoAnalysis       = errors.New("fixture has no analysis")
	ErrNoValidation     = errors.New("analysis has no validation")
)

// Publication types.
const (
	TypeAuto   = "auto"
	TypeManual = "manual"
)

// Audit actions.
const (
	ActionInitiated = "publication_initiated"
	ActionValidated = "content_validated"
	ActionPublished = "content_published"
	ActionFailed    = "publication_failed"
	ActionScheduled = "publication_scheduled"
	ActionCancelled = "publication_cancelled"
	ActionExpired   = "publication_expired"
)

// Audit actors.
const (
	ActorSystem  = "system"
	ActorQuality = "quality_control"
	ActorAdmin   = "admin"
)

// minLeadHours is the latest an automatic publication may still go out.
const minLeadHours = 0.5

// Store is the persistence the module needs.
type Store interface {
	GetFixture(id string) (*database.Fixture, error)
	GetAnalysis(id string) (*database.Analysis, error)
	GetAnalysisForFixture(fixtureID string) (*database.Analysis, error)
	GetValidation(id string) (*database.Validation, error)
	LatestValidationForFixture(fixtureID string) (*database.Validation, error)
	SavePublication(p database.Publication) error
	TransitionPublication(id, from, to string) (bool, error)
	GetPublication(id string) (*database.Publication, error)
	ListPublications(filter database.PublicationFilter) ([]database.Publication, error)
	ScheduledPublications() ([]database.Publication, error)
	AppendAudit(e database.AuditEntry) error
	AuditTrail(publicationID string) ([]database.AuditEntry, error)
	MarkPublished(id, publicationID string, at time.Time) error
	SetStage(id string, stage database.Stage) error
}

// Request asks for one fixture's analysis to be published.
type Request struct {
	FixtureID    string
	AnalysisID   string
	ValidationID string
	Type         string
	Priority     rules.Priority
	Actor        string

	// Set when a scheduled publication comes due.
	PublicationID string
	ScheduledFor  *time.Time
}

// rank orders by priority, then scheduled requests ahead of immediate ones.
func (r Request) rank() int {
	n := r.Priority.Rank() * 2
	if r.ScheduledFor == nil {
		n++
	}
	return n
}

// Config tunes the module.
type Config struct {
	Delay time.Duration
}

// Publisher owns the publication queue, its serial worker and the timers of
// scheduled publications.
type Publisher struct {
	store Store
	rules *rules.Manager
	bus   *events.Bus
	delay time.Duration
	now   func() time.Time
	log   logrus.FieldLogger

	queue      *queue.Priority[Request]
	publishing atomic.Bool

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// New creates the module and subscribes it to content.validated.
func New(store Store, rm *rules.Manager, bus *events.Bus, cfg Config, log logrus.FieldLogger, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		rules:  rm,
		bus:    bus,
		delay:  cfg.Delay,
		now:    time.Now,
		log:    log.WithField("module", events.ModulePublication),
		queue:  queue.NewPriority(func(r Request) string { return r.FixtureID }, Request.rank),
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(p)
	}
	bus.Subscribe(events.ContentValidated, events.ModulePublication, p.onValidated)
	return p
}

func (p *Publisher) onValidated(ctx context.Context, evt events.Event) error {
	data, ok := evt.Data.(events.ContentValidatedData)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Data)
	}
	if data.Status != database.ValidationApproved || !data.AutoApproved {
		return nil
	}
	return p.Enqueue(ctx, Request{
		FixtureID:    data.FixtureID,
		AnalysisID:   data.AnalysisID,
		ValidationID: data.ValidationID,
		Type:         TypeAuto,
		Priority:     rules.High,
		Actor:        ActorSystem,
	})
}

// Enqueue accepts a publication request. Automatic requests honour the
// rule's publish window: too early and they are scheduled for exactly
// kickoff minus the window, too late and they are dropped.
func (p *Publisher) Enqueue(ctx context.Context, req Request) error {
	f, err := p.store.GetFixture(req.FixtureID)
	if err != nil {
		return fmt.Errorf("loading fixture: %w", err)
	}
	if f == nil {
		return fmt.Errorf("%w: %s", ErrFixtureNotFound, req.FixtureID)
	}
	if f.Published {
		return fmt.Errorf("%w: %s", ErrAlreadyPublished, f.ID)
	}
	log := p.log.WithFields(logrus.Fields{"fixture_id": f.ID, "type": req.Type})

	if req.Type == TypeAuto {
		var window float64
		if f.RuleID != nil {
			if rule, ok := p.rules.Get(*f.RuleID); ok {
				window = rule.Timing.PublishHoursBefore
			}
		}
		hours := f.HoursUntilKickoff(p.now())
		switch {
		case window > 0 && hours > window:
			at := f.Kickoff.Add(-time.Duration(window * float64(time.Hour)))
			return p.schedule(ctx, f, req, at)
		case hours < minLeadHours:
			reason := fmt.Sprintf("Too close to kickoff for publication (%.1fh)", hours)
			log.WithField("hours_until_kickoff", hours).Info("Dropped publication")
			p.bus.Emit(ctx, events.ContentRejected, events.ModulePublication, f.ID, events.ContentRejectedData{
				FixtureID: f.ID,
				Stage:     "publication",
				Reason:    reason,
			})
			return nil
		}
	}

	added := p.queue.Push(req)
	log.WithFields(logrus.Fields{"priority": req.Priority, "queued": added}).Info("Queued publication")
	return nil
}

// TriggerPublication queues a manual publication of the fixture's current
// analysis. Manual publications do not require an approved validation.
func (p *Publisher) TriggerPublication(ctx context.Context, fixtureID, actor string) error {
	an, err := p.store.GetAnalysisForFixture(fixtureID)
	if err != nil {
		return fmt.Errorf("loading analysis: %w", err)
	}
	if an == nil {
		return fmt.Errorf("%w: %s", ErrNoAnalysis, fixtureID)
	}
	if actor == "" {
		actor = ActorAdmin
	}
	return p.Enqueue(ctx, Request{
		FixtureID:  fixtureID,
		AnalysisID: an.ID,
		Type:       TypeManual,
		Priority:   rules.High,
		Actor:      actor,
	})
}

func (p *Publisher) schedule(ctx context.Context, f *database.Fixture, req Request, at time.Time) error {
	existing, err := p.store.ListPublications(database.PublicationFilter{
		FixtureID: f.ID, Status: database.PublicationScheduled, Limit: 1,
	})
	if err != nil {
		return fmt.Errorf("checking schedule: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	now := p.now()
	pub := database.Publication{
		ID:           uuid.NewString(),
		FixtureID:    f.ID,
		AnalysisID:   req.AnalysisID,
		ValidationID: optional(req.ValidationID),
		Status:       database.PublicationScheduled,
		Type:         req.Type,
		Priority:     string(req.Priority),
		ScheduledFor: &at,
		CreatedAt:    now,
	}
	if err := p.store.SavePublication(pub); err != nil {
		return err
	}
	if err := p.store.AppendAudit(database.AuditEntry{
		PublicationID: pub.ID,
		Timestamp:     now,
		Action:        ActionScheduled,
		Actor:         ActorSystem,
		Details:       "Scheduled for " + at.UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if err := p.store.SetStage(f.ID, database.StageScheduled); err != nil {
		return fmt.Errorf("updating stage: %w", err)
	}
	p.arm(pub)
	p.log.WithFields(logrus.Fields{
		"fixture_id":     f.ID,
		"publication_id": pub.ID,
		"scheduled_for":  at,
	}).Info("Scheduled publication")
	return nil
}

// arm starts the timer of a scheduled publication. Past-due publications
// fire at once and Process expires them if kickoff is too close.
func (p *Publisher) arm(pub database.Publication) {
	if pub.ScheduledFor == nil {
		return
	}
	wait := max(pub.ScheduledFor.Sub(p.now()), 0)

	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if _, armed := p.timers[pub.ID]; armed {
		return
	}
	p.timers[pub.ID] = time.AfterFunc(wait, func() { p.fire(pub) })
}

func (p *Publisher) fire(pub database.Publication) {
	p.timerMu.Lock()
	delete(p.timers, pub.ID)
	p.timerMu.Unlock()

	var validationID string
	if pub.ValidationID != nil {
		validationID = *pub.ValidationID
	}
	req := Request{
		FixtureID:     pub.FixtureID,
		AnalysisID:    pub.AnalysisID,
		ValidationID:  validationID,
		Type:          pub.Type,
		Priority:      rules.Priority(pub.Priority),
		Actor:         ActorSystem,
		PublicationID: pub.ID,
		ScheduledFor:  pub.ScheduledFor,
	}
	if !p.queue.Push(req) {
		// Another request for the fixture is waiting; it adopts this record.
		p.log.WithField("publication_id", pub.ID).Debug("Scheduled publication already queued")
	}
}

// Cancel stops a scheduled publication before it fires.
func (p *Publisher) Cancel(ctx context.Context, id, actor string) error {
	pub, err := p.store.GetPublication(id)
	if err != nil {
		return err
	}
	if pub == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if pub.Status != database.PublicationScheduled {
		return fmt.Errorf("%w: %s is %s", ErrNotScheduled, id, pub.Status)
	}

	p.timerMu.Lock()
	t, armed := p.timers[id]
	delete(p.timers, id)
	p.timerMu.Unlock()
	if armed {
		t.Stop()
	} else {
		p.queue.Remove(pub.FixtureID)
	}

	if actor == "" {
		actor = ActorAdmin
	}
	// The timer may have fired since the read above.
	ok, err := p.store.TransitionPublication(id, database.PublicationScheduled, database.PublicationCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is no longer scheduled", ErrNotScheduled, id)
	}
	if err := p.store.AppendAudit(database.AuditEntry{
		PublicationID: id,
		Timestamp:     p.now(),
		Action:        ActionCancelled,
		Actor:         actor,
		Details:       "Scheduled publication cancelled",
	}); err != nil {
		return err
	}
	if err := p.store.SetStage(pub.FixtureID, database.StageValidated); err != nil {
		return fmt.Errorf("updating stage: %w", err)
	}
	p.log.WithFields(logrus.Fields{"fixture_id": pub.FixtureID, "publication_id": id}).Info("Cancelled publication")
	return nil
}

// Start re-arms every persisted scheduled publication and launches the
// worker.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	scheduled, err := p.store.ScheduledPublications()
	if err != nil {
		return fmt.Errorf("loading scheduled publications: %w", err)
	}
	for _, pub := range scheduled {
		p.arm(pub)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		queue.Drain(ctx, p.queue, queue.NewLimiter(p.delay), p.handle)
	}(p.done)
	p.log.WithFields(logrus.Fields{"delay": p.delay, "rearmed": len(scheduled)}).Info("Started publication worker")
	return nil
}

// Stop halts the worker and disarms timers. Scheduled records stay
// persisted and are re-armed by the next Start.
func (p *Publisher) Stop() {
	p.timerMu.Lock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.timerMu.Unlock()

	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.log.Info("Stopped publication worker")
}

func (p *Publisher) handle(ctx context.Context, req Request) {
	p.publishing.Store(true)
	defer p.publishing.Store(false)

	if _, err := p.Process(ctx, req); err != nil {
		p.log.WithError(err).WithField("fixture_id", req.FixtureID).Error("Publication failed")
		p.bus.Emit(ctx, events.SystemError, events.ModulePublication, req.FixtureID, events.SystemErrorData{
			Module:     events.ModulePublication,
			FixtureID:  req.FixtureID,
			AnalysisID: req.AnalysisID,
			Trigger:    events.ContentValidated,
			Error:      err.Error(),
		})
	}
}

// Process publishes one request: it snapshots the content, records the
// audit trail, marks the fixture published and emits content.published.
// Failures are persisted as a failed publication with its own audit entry.
func (p *Publisher) Process(ctx context.Context, req Request) (*database.Publication, error) {
	f, err := p.store.GetFixture(req.FixtureID)
	if err != nil {
		return nil, fmt.Errorf("loading fixture: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrFixtureNotFound, req.FixtureID)
	}
	if f.Published {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPublished, f.ID)
	}

	pub, err := p.record(req)
	if err != nil {
		return nil, err
	}
	if pub.Status == database.PublicationCancelled {
		return nil, nil
	}
	if pub.Status == database.PublicationScheduled && req.Type == TypeAuto {
		if hours := f.HoursUntilKickoff(p.now()); hours < minLeadHours {
			return nil, p.expire(ctx, f, pub, hours)
		}
	}

	actor := req.Actor
	if actor == "" {
		actor = ActorSystem
	}
	trail := []database.AuditEntry{{
		Action:  ActionInitiated,
		Actor:   actor,
		Details: fmt.Sprintf("Publication started via %s workflow", req.Type),
	}}

	an, v, err := p.content(req)
	if err != nil {
		return nil, p.fail(pub, trail, err)
	}
	pub.AnalysisID = an.ID
	quality := 0.0
	if v != nil {
		pub.ValidationID = &v.ID
		quality = v.Overall
	}
	trail = append(trail, database.AuditEntry{
		Action:  ActionValidated,
		Actor:   ActorQuality,
		Details: fmt.Sprintf("Quality score: %.0f%%", quality),
	})

	snap, err := BuildSnapshot(*f, *an, v)
	if err != nil {
		return nil, p.fail(pub, trail, err)
	}
	if pub.Status == database.PublicationScheduled {
		// Claim the record; a concurrent Cancel wins if it got there first.
		ok, err := p.store.TransitionPublication(pub.ID, database.PublicationScheduled, database.PublicationPublished)
		if err != nil {
			return nil, err
		}
		if !ok {
			p.log.WithField("publication_id", pub.ID).Info("Scheduled publication cancelled before publishing")
			return nil, nil
		}
	}
	now := p.now()
	pub.Status = database.PublicationPublished
	pub.PublishedAt = &now
	pub.Snapshot = snap
	pub.Error = nil
	if err := p.store.SavePublication(*pub); err != nil {
		return nil, err
	}
	if err := p.store.MarkPublished(f.ID, pub.ID, now); err != nil {
		return nil, fmt.Errorf("marking fixture published: %w", err)
	}
	trail = append(trail, database.AuditEntry{
		Action:  ActionPublished,
		Actor:   ActorSystem,
		Details: "Content published",
	})
	if err := p.appendTrail(pub.ID, trail); err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"fixture_id":     f.ID,
		"publication_id": pub.ID,
		"type":           pub.Type,
	}).Info("Published analysis")

	actions := make([]string, len(trail))
	for i, e := range trail {
		actions[i] = e.Action
	}
	p.bus.Emit(ctx, events.ContentPublished, events.ModulePublication, f.ID, events.ContentPublishedData{
		FixtureID:     f.ID,
		PublicationID: pub.ID,
		Status:        pub.Status,
		Type:          pub.Type,
		Actions:       actions,
	})
	return pub, nil
}

// expire closes a scheduled publication that came due too close to, or
// after, kickoff. It happens when the pipeline was down at the scheduled time.
func (p *Publisher) expire(ctx context.Context, f *database.Fixture, pub *database.Publication, hours float64) error {
	ok, err := p.store.TransitionPublication(pub.ID, database.PublicationScheduled, database.PublicationCancelled)
	if err != nil || !ok {
		return err
	}
	reason := fmt.Sprintf("Too close to kickoff for publication (%.1fh)", hours)
	if err := p.store.AppendAudit(database.AuditEntry{
		PublicationID: pub.ID,
		Timestamp:     p.now(),
		Action:        ActionExpired,
		Actor:         ActorSystem,
		Details:       reason,
	}); err != nil {
		return err
	}
	if err := p.store.SetStage(f.ID, database.StageRejected); err != nil {
		return fmt.Errorf("updating stage: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"fixture_id":          f.ID,
		"publication_id":      pub.ID,
		"hours_until_kickoff": hours,
	}).Warn("Scheduled publication expired")
	p.bus.Emit(ctx, events.ContentRejected, events.ModulePublication, f.ID, events.ContentRejectedData{
		FixtureID: f.ID,
		Stage:     "publication",
		Reason:    reason,
	})
	return nil
}

// record returns the publication row a request completes: the scheduled
// record it fired from, a scheduled record of the same fixture it overtakes,
// or a new one.
func (p *Publisher) record(req Request) (*database.Publication, error) {
	if req.PublicationID != "" {
		pub, err := p.store.GetPublication(req.PublicationID)
		if err != nil {
			return nil, err
		}
		if pub == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, req.PublicationID)
		}
		return pub, nil
	}

	scheduled, err := p.store.ListPublications(database.PublicationFilter{
		FixtureID: req.FixtureID, Status: database.PublicationScheduled, Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(scheduled) > 0 {
		pub := scheduled[0]
		p.timerMu.Lock()
		if t, ok := p.timers[pub.ID]; ok {
			t.Stop()
			delete(p.timers, pub.ID)
		}
		p.timerMu.Unlock()
		pub.Type = req.Type
		return &pub, nil
	}

	return &database.Publication{
		ID:           uuid.NewString(),
		FixtureID:    req.FixtureID,
		AnalysisID:   req.AnalysisID,
		ValidationID: optional(req.ValidationID),
		Type:         req.Type,
		Priority:     string(req.Priority),
		CreatedAt:    p.now(),
	}, nil
}

// content loads the analysis and validation to publish. Automatic
// publications require an approved validation.
func (p *Publisher) content(req Request) (*database.Analysis, *database.Validation, error) {
	var an *database.Analysis
	var err error
	if req.AnalysisID != "" {
		an, err = p.store.GetAnalysis(req.AnalysisID)
	} else {
		an, err = p.store.GetAnalysisForFixture(req.FixtureID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading analysis: %w", err)
	}
	if an == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoAnalysis, req.FixtureID)
	}

	var v *database.Validation
	if req.ValidationID != "" {
		v, err = p.store.GetValidation(req.ValidationID)
	} else {
		v, err = p.store.LatestValidationForFixture(req.FixtureID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading validation: %w", err)
	}
	if req.Type == TypeAuto && (v == nil || v.Status != database.ValidationApproved) {
		return nil, nil, fmt.Errorf("%w: approved validation required for %s", ErrNoValidation, an.ID)
	}
	return an, v, nil
}

func (p *Publisher) fail(pub *database.Publication, trail []database.AuditEntry, cause error) error {
	msg := cause.Error()
	pub.Status = database.PublicationFailed
	pub.Error = &msg
	if err := p.store.SavePublication(*pub); err != nil {
		return errors.Join(cause, err)
	}
	trail = append(trail, database.AuditEntry{
		Action:  ActionFailed,
		Actor:   ActorSystem,
		Details: msg,
	})
	if err := p.appendTrail(pub.ID, trail); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (p *Publisher) appendTrail(id string, trail []database.AuditEntry) error {
	now := p.now()
	for _, e := range trail {
		e.PublicationID = id
		e.Timestamp = now
		if err := p.store.AppendAudit(e); err != nil {
			return err
		}
	}
	return nil
}

// AuditTrail returns a publication's audit entries in order.
func (p *Publisher) AuditTrail(id string) ([]database.AuditEntry, error) {
	return p.store.AuditTrail(id)
}

// Stats describes today's publications relative to now.
type Stats struct {
	QueueSize        int     `json:"queue_size"`
	Publishing       bool    `json:"publishing"`
	Scheduled        int     `json:"scheduled"`
	Published        int     `json:"total_published"`
	AutoPublished    int     `json:"auto_published"`
	ManualPublished  int     `json:"manual_published"`
	Failed           int     `json:"failed_publications"`
	AvgQualityScore  float64 `json:"quality_score_avg"`
	AvgMinutesToPost float64 `json:"avg_time_to_publish"`
}

// Stats returns counts over publications created since the start of now's
// UTC day.
func (p *Publisher) Stats(now time.Time) (Stats, error) {
	p.timerMu.Lock()
	s := Stats{QueueSize: p.queue.Len(), Publishing: p.publishing.Load(), Scheduled: len(p.timers)}
	p.timerMu.Unlock()

	since := now.UTC().Truncate(24 * time.Hour)
	pubs, err := p.store.ListPublications(database.PublicationFilter{Since: &since})
	if err != nil {
		return s, err
	}
	var quality, minutes float64
	for _, pub := range pubs {
		switch pub.Status {
		case database.PublicationFailed:
			s.Failed++
		case database.PublicationPublished:
			s.Published++
			if pub.Type == TypeManual {
				s.ManualPublished++
			} else {
				s.AutoPublished++
			}
			if pub.Snapshot != nil {
				quality += pub.Snapshot.QualityScore
			}
			if pub.PublishedAt != nil {
				minutes += pub.PublishedAt.Sub(pub.CreatedAt).Minutes()
			}
		}
	}
	if s.Published > 0 {
		s.AvgQualityScore = math.Round(quality / float64(s.Published))
		s.AvgMinutesToPost = math.Round(minutes/float64(s.Published)*10) / 10
	}
	return s, nil
}

// Idle reports whether nothing is queued or being published.
func (p *Publisher) Idle() bool {
	return p.queue.Len() == 0 && !p.publishing.Load()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
