// Package review holds validated analyses that need a human decision
// before they can be published.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/events"
	"github.com/TobiSchelling/matchwire/internal/publication"
	"github.com/TobiSchelling/matchwire/internal/rules"
)

var (
	ErrNotFound     = errors.New("review item not found")
	ErrReviewClosed = errors.New("review item is closed")
)

const (
	defaultExpiry        = 24 * time.Hour
	defaultKickoffBuffer = 30 * time.Minute
)

// Store is the persistence the queue needs.
type Store interface {
	GetFixture(id string) (*database.Fixture, error)
	InsertReviewItem(r database.ReviewItem) (bool, error)
	GetReviewItem(id string) (*database.ReviewItem, error)
	ListReviewItems(status string) ([]database.ReviewItem, error)
	ResolveReviewItem(id, status, by string, at time.Time) (bool, error)
	ExpiredReviewItems(now time.Time) ([]database.ReviewItem, error)
	SetStage(id string, stage database.Stage) error
}

// Publisher receives approved items.
type Publisher interface {
	Enqueue(ctx context.Context, req publication.Request) error
}

// Config tunes expiry.
type Config struct {
	Expiry        time.Duration
	KickoffBuffer time.Duration
}

// Queue is the manual review queue.
type Queue struct {
	store  Store
	pub    Publisher
	bus    *events.Bus
	expiry time.Duration
	buffer time.Duration
	now    func() time.Time
	log    logrus.FieldLogger
}

// Option configures the Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates the queue and subscribes it to content.validated.
func New(store Store, pub Publisher, bus *events.Bus, cfg Config, log logrus.FieldLogger, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		pub:    pub,
		bus:    bus,
		expiry: cfg.Expiry,
		buffer: cfg.KickoffBuffer,
		now:    time.Now,
		log:    log.WithField("module", events.ModuleReview),
	}
	if q.expiry <= 0 {
		q.expiry = defaultExpiry
	}
	if q.buffer <= 0 {
		q.buffer = defaultKickoffBuffer
	}
	for _, opt := range opts {
		opt(q)
	}
	bus.Subscribe(events.ContentValidated, events.ModuleReview, q.onValidated)
	return q
}

func (q *Queue) onValidated(ctx context.Context, evt events.Event) error {
	data, ok := evt.Data.(events.ContentValidatedData)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Data)
	}
	var reason string
	switch {
	case data.Status == database.ValidationNeedsReview:
		reason = fmt.Sprintf("Quality score %.0f%% needs review", data.Overall)
	case data.Status == database.ValidationApproved && !data.AutoApproved:
		reason = "Competition does not allow automatic publication"
	default:
		return nil
	}
	_, err := q.Open(data, reason)
	return err
}

// Open adds a review item for a validation. An item expires after the
// configured expiry or shortly before kickoff, whichever comes first.
func (q *Queue) Open(data events.ContentValidatedData, reason string) (*database.ReviewItem, error) {
	f, err := q.store.GetFixture(data.FixtureID)
	if err != nil {
		return nil, fmt.Errorf("loading fixture: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("fixture not found: %s", data.FixtureID)
	}
	now := q.now()
	expires := now.Add(q.expiry)
	if cutoff := f.Kickoff.Add(-q.buffer); cutoff.Before(expires) {
		expires = cutoff
	}
	item := database.ReviewItem{
		ID:           uuid.NewString(),
		FixtureID:    f.ID,
		AnalysisID:   data.AnalysisID,
		ValidationID: data.ValidationID,
		Reason:       reason,
		Overall:      data.Overall,
		Status:       database.ReviewOpen,
		CreatedAt:    now,
		ExpiresAt:    expires,
	}
	added, err := q.store.InsertReviewItem(item)
	if err != nil {
		return nil, err
	}
	if !added {
		return nil, nil
	}
	q.log.WithFields(logrus.Fields{
		"fixture_id": f.ID,
		"review_id":  item.ID,
		"expires_at": expires,
	}).Info("Opened review item")
	return &item, nil
}

// List returns review items with the given status, or all when empty.
func (q *Queue) List(status string) ([]database.ReviewItem, error) {
	return q.store.ListReviewItems(status)
}

// Approve closes an item and requests a manual publication.
func (q *Queue) Approve(ctx context.Context, id, reviewer string) error {
	item, err := q.resolve(id, database.ReviewApproved, reviewer)
	if err != nil {
		return err
	}
	return q.pub.Enqueue(ctx, publication.Request{
		FixtureID:    item.FixtureID,
		AnalysisID:   item.AnalysisID,
		ValidationID: item.ValidationID,
		Type:         publication.TypeManual,
		Priority:     rules.Medium,
		Actor:        reviewer,
	})
}

// Reject closes an item and rejects the fixture's content.
func (q *Queue) Reject(ctx context.Context, id, reviewer string) error {
	item, err := q.resolve(id, database.ReviewRejected, reviewer)
	if err != nil {
		return err
	}
	return q.rejectFixture(ctx, item, "Rejected by "+reviewer)
}

// ExpireStale expires every open item past its deadline and returns how
// many were expired.
func (q *Queue) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	items, err := q.store.ExpiredReviewItems(now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range items {
		ok, err := q.store.ResolveReviewItem(item.ID, database.ReviewExpired, "system", now)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		n++
		if err := q.rejectFixture(ctx, &item, "Review expired"); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (q *Queue) resolve(id, status, reviewer string) (*database.ReviewItem, error) {
	item, err := q.store.GetReviewItem(id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if reviewer == "" {
		reviewer = "admin"
	}
	ok, err := q.store.ResolveReviewItem(id, status, reviewer, q.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrReviewClosed, id, item.Status)
	}
	q.log.WithFields(logrus.Fields{
		"fixture_id": item.FixtureID,
		"review_id":  id,
		"status":     status,
		"reviewer":   reviewer,
	}).Info("Resolved review item")
	return item, nil
}

func (q *Queue) rejectFixture(ctx context.Context, item *database.ReviewItem, reason string) error {
	if err := q.store.SetStage(item.FixtureID, database.StageRejected); err != nil {
		return fmt.Errorf("updating stage: %w", err)
	}
	q.bus.Emit(ctx, events.ContentRejected, events.ModuleReview, item.FixtureID, events.ContentRejectedData{
		FixtureID: item.FixtureID,
		Stage:     "review",
		Reason:    reason,
	})
	return nil
}

// Stats counts open items.
type Stats struct {
	Open int `json:"open"`
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() (Stats, error) {
	open, err := q.store.ListReviewItems(database.ReviewOpen)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Open: len(open)}, nil
}
