// Package intelligence enriches discovered fixtures with team form, venue,
// head-to-head and match context before news is gathered.
package intelligence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/events"
	"github.com/TobiSchelling/matchwire/internal/queue"
)

// ErrFixtureNotFound is returned when a queued fixture has vanished.
var ErrFixtureNotFound = errors.New("fixture not found")

// Store is the persistence the module writes to.
type Store interface {
	GetFixture(id string) (*database.Fixture, error)
	SaveIntelligence(mi database.MatchIntelligence) error
	SetStage(id string, stage database.Stage) error
}

// Config tunes the module.
type Config struct {
	Delay time.Duration
	ContextRules
}

// Intelligence owns the enrichment queue and its single worker.
type Intelligence struct {
	store  Store
	source ContextSource
	bus    *events.Bus
	rules  ContextRules
	delay  time.Duration
	now    func() time.Time
	log    logrus.FieldLogger

	queue      *queue.FIFO[string]
	processing atomic.Bool
	processed  atomic.Int64
	failed     atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *time.Time
}

// Option configures the module.
type Option func(*Intelligence)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Intelligence) { i.now = now }
}

// New creates the module and subscribes it to match.discovered. Items are
// queued immediately but only processed once Start is called.
func New(store Store, source ContextSource, bus *events.Bus, cfg Config, log logrus.FieldLogger, opts ...Option) *Intelligence {
	i := &Intelligence{
		store:  store,
		source: source,
		bus:    bus,
		rules:  cfg.ContextRules.withDefaults(),
		delay:  cfg.Delay,
		now:    time.Now,
		log:    log.WithField("module", events.ModuleIntelligence),
		queue:  queue.NewFIFO(func(id string) string { return id }),
	}
	for _, opt := range opts {
		opt(i)
	}
	bus.Subscribe(events.MatchDiscovered, events.ModuleIntelligence, i.onDiscovered)
	return i
}

func (i *Intelligence) onDiscovered(ctx context.Context, evt events.Event) error {
	data, ok := evt.Data.(events.MatchDiscoveredData)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Data)
	}
	i.Enqueue(data.FixtureID)
	return nil
}

// Enqueue adds a fixture to the queue. A fixture already waiting is not
// queued twice.
func (i *Intelligence) Enqueue(fixtureID string) bool {
	added := i.queue.Push(fixtureID)
	i.log.WithFields(logrus.Fields{"fixture_id": fixtureID, "queued": added, "queue": i.queue.Len()}).
		Debug("Queued fixture for enrichment")
	return added
}

// Start launches the worker. Consecutive fixtures are spaced by the
// configured delay.
func (i *Intelligence) Start(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		queue.Drain(ctx, i.queue, queue.NewLimiter(i.delay), i.handle)
	}(i.done)
	i.log.WithField("delay", i.delay).Info("Started enrichment worker")
}

// Stop halts the worker after the current fixture.
func (i *Intelligence) Stop() {
	i.mu.Lock()
	cancel, done := i.cancel, i.done
	i.cancel, i.done = nil, nil
	i.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	i.log.Info("Stopped enrichment worker")
}

func (i *Intelligence) handle(ctx context.Context, fixtureID string) {
	i.processing.Store(true)
	defer i.processing.Store(false)

	if err := i.Process(ctx, fixtureID); err != nil {
		i.failed.Add(1)
		i.log.WithError(err).WithField("fixture_id", fixtureID).Error("Enrichment failed")
		i.bus.Emit(ctx, events.SystemError, events.ModuleIntelligence, fixtureID, events.SystemErrorData{
			Module:    events.ModuleIntelligence,
			FixtureID: fixtureID,
			Trigger:   events.MatchDiscovered,
			Error:     err.Error(),
		})
	}
}

// Process enriches one fixture. A fixture that is no longer in the
// discovered stage has already been enriched and is skipped.
func (i *Intelligence) Process(ctx context.Context, fixtureID string) error {
	f, err := i.store.GetFixture(fixtureID)
	if err != nil {
		return fmt.Errorf("loading fixture: %w", err)
	}
	if f == nil {
		return fmt.Errorf("%w: %s", ErrFixtureNotFound, fixtureID)
	}
	if f.Stage != database.StageDiscovered {
		i.log.WithFields(logrus.Fields{"fixture_id": fixtureID, "stage": f.Stage}).Debug("Fixture already enriched, skipping")
		return nil
	}

	mi, err := i.gather(ctx, *f)
	if err != nil {
		return err
	}
	if err := i.store.SaveIntelligence(*mi); err != nil {
		return fmt.Errorf("saving intelligence: %w", err)
	}
	if err := i.store.SetStage(f.ID, database.StageEnriched); err != nil {
		return fmt.Errorf("updating stage: %w", err)
	}

	now := i.now()
	i.processed.Add(1)
	i.mu.Lock()
	i.last = &now
	i.mu.Unlock()

	ruleID := ""
	if f.RuleID != nil {
		ruleID = *f.RuleID
	}
	i.log.WithFields(logrus.Fields{
		"fixture_id": f.ID,
		"fixture":    f.Label(),
		"importance": mi.Context.Importance,
		"rivalry":    mi.Context.RivalryFactor,
	}).Info("Enriched fixture")

	i.bus.Emit(ctx, events.MatchEnriched, events.ModuleIntelligence, f.ID, events.MatchEnrichedData{
		FixtureID:    f.ID,
		RuleID:       ruleID,
		Intelligence: mi,
	})
	return nil
}

func (i *Intelligence) gather(ctx context.Context, f database.Fixture) (*database.MatchIntelligence, error) {
	home, err := i.source.TeamIntel(ctx, f.HomeTeam, f.Kickoff)
	if err != nil {
		return nil, fmt.Errorf("home team intel: %w", err)
	}
	away, err := i.source.TeamIntel(ctx, f.AwayTeam, f.Kickoff)
	if err != nil {
		return nil, fmt.Errorf("away team intel: %w", err)
	}
	venue, err := i.source.Venue(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("venue intel: %w", err)
	}
	h2h, err := i.source.HeadToHead(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("head to head: %w", err)
	}
	return &database.MatchIntelligence{
		FixtureID:  f.ID,
		Home:       home,
		Away:       away,
		Venue:      venue,
		HeadToHead: h2h,
		Context:    i.rules.BuildContext(f),
		EnrichedAt: i.now(),
	}, nil
}

// Stats describes the module's queue and throughput.
type Stats struct {
	QueueSize      int        `json:"queue_size"`
	Processing     bool       `json:"processing"`
	Processed      int64      `json:"processed"`
	Failed         int64      `json:"failed"`
	LastEnrichedAt *time.Time `json:"last_enriched_at,omitempty"`
}

// Stats returns a snapshot of the module's activity.
func (i *Intelligence) Stats() Stats {
	s := Stats{
		QueueSize:  i.queue.Len(),
		Processing: i.processing.Load(),
		Processed:  i.processed.Load(),
		Failed:     i.failed.Load(),
	}
	i.mu.Lock()
	if i.last != nil {
		t := *i.last
		s.LastEnrichedAt = &t
	}
	i.mu.Unlock()
	return s
}

// Idle reports whether nothing is queued or in flight.
func (i *Intelligence) Idle() bool {
	return i.queue.Len() == 0 && !i.processing.Load()
}
