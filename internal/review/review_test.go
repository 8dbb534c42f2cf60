package review

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/events"
	"github.com/TobiSchelling/matchwire/internal/publication"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fakePublisher struct {
	requests []publication.Request
}

func (p *fakePublisher) Enqueue(_ context.Context, req publication.Request) error {
	p.requests = append(p.requests, req)
	return nil
}

func setup(t *testing.T, kickoff time.Duration) (*Queue, *fakePublisher, *events.Bus, *database.DB) {
	t.Helper()
	db := openTestDB(t)
	require.NoError(t, db.UpsertFixture(database.Fixture{
		ID: "derby", League: "Serie A", HomeTeam: "Inter", AwayTeam: "Milan", Kickoff: now.Add(kickoff),
	}))
	require.NoError(t, db.MarkDiscovered("derby", "serie-a", 90, now))
	require.NoError(t, db.SetStage("derby", database.StageNeedsReview))

	pub := &fakePublisher{}
	bus := events.NewBus(quietLogger(), events.WithClock(clock))
	q := New(db, pub, bus, Config{}, quietLogger(), WithClock(clock))
	return q, pub, bus, db
}

func validated(status string, auto bool) events.ContentValidatedData {
	return events.ContentValidatedData{
		FixtureID: "derby", AnalysisID: "a1", ValidationID: "v1",
		Overall: 78, Status: status, AutoApproved: auto,
	}
}

func openItem(t *testing.T, q *Queue) database.ReviewItem {
	t.Helper()
	items, err := q.List(database.ReviewOpen)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func TestNeedsReviewOpensItemExpiringBeforeKickoff(t *testing.T) {
	q, _, bus, _ := setup(t, 10*time.Hour)
	ctx := context.Background()

	bus.Emit(ctx, events.ContentValidated, events.ModuleQuality, "derby", validated(database.ValidationNeedsReview, false))
	item := openItem(t, q)
	assert.Equal(t, "v1", item.ValidationID)
	assert.Equal(t, 78.0, item.Overall)
	assert.True(t, item.ExpiresAt.Equal(now.Add(9*time.Hour+30*time.Minute)), "got %v", item.ExpiresAt)

	bus.Emit(ctx, events.ContentValidated, events.ModuleQuality, "derby", validated(database.ValidationNeedsReview, false))
	items, _ := q.List("")
	assert.Len(t, items, 1, "one item per validation")
	assert.Empty(t, bus.History(events.SystemError, 0))
}

func TestExpiryDefaultsToADay(t *testing.T) {
	q, _, bus, _ := setup(t, 72*time.Hour)
	bus.Emit(context.Background(), events.ContentValidated, events.ModuleQuality, "derby", validated(database.ValidationNeedsReview, false))
	assert.True(t, openItem(t, q).ExpiresAt.Equal(now.Add(24*time.Hour)))
}

func TestOnlyUnpublishableOutcomesAreQueued(t *testing.T) {
	q, _, bus, _ := setup(t, 10*time.Hour)
	ctx := context.Background()

	bus.Emit(ctx, events.ContentValidated, events.ModuleQuality, "derby", validated(database.ValidationApproved, true))
	bus.Emit(ctx, events.ContentValidated, events.ModuleQuality, "derby", validated(database.ValidationRejected, false))
	items, _ := q.List("")
	assert.Empty(t, items)

	bus.Emit(ctx, events.ContentValidated, events.ModuleQuality, "derby", validated(database.ValidationApproved, false))
	assert.Equal(t, "Competition does not allow automatic publication", openItem(t, q).Reason)
}

func TestApproveRequestsManualPublication(t *testing.T) {
	q, pub, bus, _ := setup(t, 10*time.Hour)
	ctx := context.Background()
	bus.Emit(ctx, events.ContentValidated, events.ModuleQuality, "derby", validated(database.ValidationNeedsReview, false))
	item := openItem(t, q)

	require.NoError(t, q.Approve(ctx, item.ID, "editor"))
	require.Len(t, pub.requests, 1)
	req := pub.requests[0]
	assert.Equal(t, publication.TypeManual, req.Type)
	assert.Equal(t, "editor", req.Actor)
	assert.Equal(t, "v1", req.ValidationID)

	stored, _ := q.store.GetReviewItem(item.ID)
	assert.Equal(t, database.ReviewApproved, stored.Status)
	require.NotNil(t, stored.ResolvedBy)
	assert.Equal(t, "editor", *stored.ResolvedBy)

	assert.ErrorIs(t, q.Approve(ctx, item.ID, "editor"), ErrReviewClosed)
	assert.ErrorIs(t, q.Reject(ctx, item.ID, "editor"), ErrReviewClosed)
	assert.ErrorIs(t, q.Approve(ctx, "ghost", "editor"), ErrNotFound)
	assert.Len(t, pub.requests, 1)
}

func TestRejectClosesFixture(t *testing.T) {
	q, pub, bus, db := setup(t, 10*time.Hour)
	ctx := context.Background()
	bus.Emit(ctx, events.ContentValidated, events.ModuleQuality, "derby", validated(database.ValidationNeedsReview, false))

	require.NoError(t, q.Reject(ctx, openItem(t, q).ID, "editor"))
	assert.Empty(t, pub.requests)

	f, _ := db.GetFixture("derby")
	assert.Equal(t, database.StageRejected, f.Stage)
	rejected := bus.History(events.ContentRejected, 0)
	require.Len(t, rejected, 1)
	data := rejected[0].Data.(events.ContentRejectedData)
	assert.Equal(t, "review", data.Stage)
	assert.Equal(t, "Rejected by editor", data.Reason)
}

func TestExpireStale(t *testing.T) {
	q, _, bus, db := setup(t, 10*time.Hour)
	ctx := context.Background()
	bus.Emit(ctx, events.ContentValidated, events.ModuleQuality, "derby", validated(database.ValidationNeedsReview, false))
	id := openItem(t, q).ID

	n, err := q.ExpireStale(ctx, now.Add(9*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.ExpireStale(ctx, now.Add(9*time.Hour+30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, _ := db.GetReviewItem(id)
	assert.Equal(t, database.ReviewExpired, item.Status)
	f, _ := db.GetFixture("derby")
	assert.Equal(t, database.StageRejected, f.Stage)
	assert.ErrorIs(t, q.Approve(ctx, id, "editor"), ErrReviewClosed)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Open)
}
