package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/matchwire/internal/analysis"
	"github.com/TobiSchelling/matchwire/internal/config"
	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/events"
	"github.com/TobiSchelling/matchwire/internal/pipeline"
	"github.com/TobiSchelling/matchwire/internal/rules"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

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

func newServer(t *testing.T) (*Server, *pipeline.Pipeline, *database.DB) {
	t.Helper()
	db := openTestDB(t)
	rm, err := rules.NewManager(nil)
	require.NoError(t, err)
	p := pipeline.Assemble(db, rm, analysis.StatsGenerator{}, nil, config.Default(), quietLogger(),
		func() time.Time { return now })
	t.Cleanup(p.Stop)

	srv, err := New(p, db, quietLogger())
	require.NoError(t, err)
	return srv, p, db
}

func do(srv *Server, method, target string, body io.Reader, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func seedReview(t *testing.T, p *pipeline.Pipeline, db *database.DB) database.ReviewItem {
	t.Helper()
	require.NoError(t, db.UpsertFixture(database.Fixture{
		ID: "derby", League: "Serie A", HomeTeam: "Inter", AwayTeam: "Milan", Kickoff: now.Add(10 * time.Hour),
	}))
	require.NoError(t, db.MarkDiscovered("derby", "serie-a", 90, now))
	p.Bus().Emit(context.Background(), events.ContentValidated, events.ModuleQuality, "derby", events.ContentValidatedData{
		FixtureID: "derby", AnalysisID: "a1", ValidationID: "v1", Overall: 78, Status: database.ValidationNeedsReview,
	})
	items, err := p.Review().List(database.ReviewOpen)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newServer(t)
	rec := do(srv, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var h pipeline.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, pipeline.Healthy, h.Status)
	assert.False(t, h.Modules["discovery"])
}

func TestMetricsExposition(t *testing.T) {
	srv, _, _ := newServer(t)
	do(srv, "GET", "/healthz", nil)
	rec := do(srv, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "matchwire_pipeline_health_percent 83")
}

func TestStatusAndFlow(t *testing.T) {
	srv, _, _ := newServer(t)
	rec := do(srv, "GET", "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, false, status["running"])

	rec = do(srv, "GET", "/flow", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"module":"analysis"`)
}

func TestTriggerDiscoveryNeedsRunningPipeline(t *testing.T) {
	srv, _, _ := newServer(t)
	rec := do(srv, "POST", "/trigger/discovery", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggerAnalysisUnknownFixture(t *testing.T) {
	srv, _, _ := newServer(t)
	rec := do(srv, "POST", "/trigger/analysis/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "fixture not found")
}

func TestReviewApprove(t *testing.T) {
	srv, p, db := newServer(t)
	item := seedReview(t, p, db)

	rec := do(srv, "GET", "/review", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []database.ReviewItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)

	rec = do(srv, "POST", "/review/"+item.ID+"/approve", strings.NewReader("reviewer=editor"),
		"Accept", "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, _ := db.GetReviewItem(item.ID)
	assert.Equal(t, database.ReviewApproved, stored.Status)

	rec = do(srv, "POST", "/review/"+item.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(srv, "POST", "/review/"+item.ID+"/shrug", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReviewRejectFromForm(t *testing.T) {
	srv, p, db := newServer(t)
	item := seedReview(t, p, db)

	rec := do(srv, "POST", "/review/"+item.ID+"/reject", strings.NewReader("reviewer=editor"),
		"Content-Type", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	f, _ := db.GetFixture("derby")
	assert.Equal(t, database.StageRejected, f.Stage)
}

func TestIndexListsOpenReviews(t *testing.T) {
	srv, p, db := newServer(t)
	rec := do(srv, "GET", "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Nothing waiting for review")

	item := seedReview(t, p, db)
	rec = do(srv, "GET", "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/review/"+item.ID+"/approve")
	assert.Contains(t, rec.Body.String(), "needs review")
}

func TestPublicationPage(t *testing.T) {
	srv, _, db := newServer(t)
	require.NoError(t, db.UpsertFixture(database.Fixture{
		ID: "derby", League: "Premier League", HomeTeam: "Arsenal", AwayTeam: "Tottenham", Kickoff: now.Add(5 * time.Hour),
	}))
	published := now.Add(time.Hour)
	require.NoError(t, db.SavePublication(database.Publication{
		ID: "p1", FixtureID: "derby", AnalysisID: "a1", Status: database.PublicationPublished, Type: "auto",
		PublishedAt: &published, CreatedAt: now, UpdatedAt: published,
		Snapshot: &database.Snapshot{
			Title:        "Arsenal vs Tottenham - Match Analysis",
			BodyMarkdown: "# Arsenal vs Tottenham - Match Analysis\n\n- Saka vs Udogie\n",
		},
	}))

	rec := do(srv, "GET", "/publications/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<h1>Arsenal vs Tottenham - Match Analysis</h1>")
	assert.Contains(t, body, "<li>Saka vs Udogie</li>")

	assert.Equal(t, http.StatusNotFound, do(srv, "GET", "/publications/ghost", nil).Code)
	assert.Equal(t, http.StatusConflict, do(srv, "POST", "/publications/p1/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(srv, "POST", "/publications/ghost/cancel", nil).Code)
}

func TestEvents(t *testing.T) {
	srv, p, _ := newServer(t)
	ctx := context.Background()
	p.Bus().Emit(ctx, events.ContentRejected, events.ModuleQuality, "a", events.ContentRejectedData{FixtureID: "a"})
	p.Bus().Emit(ctx, events.ContentRejected, events.ModuleQuality, "b", events.ContentRejectedData{FixtureID: "b"})

	rec := do(srv, "GET", "/events?type=content.rejected&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var evts []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evts))
	require.Len(t, evts, 1)
	assert.Equal(t, string(events.ContentRejected), evts[0]["type"])
	data, ok := evts[0]["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "b", data["match_id"])

	assert.Equal(t, http.StatusBadRequest, do(srv, "GET", "/events?limit=x", nil).Code)
}
