package intelligence

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/matchwire/internal/config"
	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/events"
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

func intPtr(i int) *int { return &i }

func addResult(t *testing.T, db *database.DB, id, home, away string, daysAgo, hs, as int) {
	t.Helper()
	require.NoError(t, db.UpsertFixture(database.Fixture{
		ID: id, League: "Premier League", HomeTeam: home, AwayTeam: away,
		Kickoff:     now.AddDate(0, 0, -daysAgo),
		MatchStatus: database.MatchFinished, HomeScore: intPtr(hs), AwayScore: intPtr(as),
	}))
}

// seed stores an upcoming discovered north London derby and some history.
func seed(t *testing.T, db *database.DB) {
	t.Helper()
	addResult(t, db, "r1", "Arsenal", "Chelsea", 10, 2, 0)
	addResult(t, db, "r2", "Tottenham", "Arsenal", 7, 1, 1)
	addResult(t, db, "r3", "Arsenal", "Tottenham", 3, 0, 1)
	addResult(t, db, "r4", "Arsenal", "Everton", 14, 3, 1)

	require.NoError(t, db.UpsertFixture(database.Fixture{
		ID: "derby", League: "Premier League", Country: "England",
		HomeTeam: "Arsenal", AwayTeam: "Tottenham", Kickoff: now.Add(20 * time.Hour),
	}))
	require.NoError(t, db.MarkDiscovered("derby", "premier-league", 100, now))
}

func newModule(t *testing.T, db *database.DB, source ContextSource) (*Intelligence, *events.Bus) {
	t.Helper()
	bus := events.NewBus(quietLogger(), events.WithClock(clock))
	if source == nil {
		source = NewStoreSource(db, config.Default().Intelligence.Teams, 5)
	}
	return New(db, source, bus, Config{}, quietLogger(), WithClock(clock)), bus
}

func TestBuildContext(t *testing.T) {
	r := ContextRules{}.withDefaults()

	derby := r.BuildContext(database.Fixture{League: "Premier League", HomeTeam: "arsenal", AwayTeam: "TOTTENHAM"})
	assert.Equal(t, ImportanceHigh, derby.Importance)
	assert.Equal(t, 0.8, derby.RivalryFactor)
	assert.InDelta(t, 0.815, derby.MediaAttention, 1e-9)
	assert.InDelta(t, 0.84, derby.BettingInterest, 1e-9)

	ucl := r.BuildContext(database.Fixture{League: "UEFA Champions League", HomeTeam: "Real Madrid", AwayTeam: "Barcelona"})
	assert.Equal(t, ImportanceCritical, ucl.Importance)
	assert.Equal(t, 1.0, ucl.MediaAttention)

	other := r.BuildContext(database.Fixture{League: "Eredivisie", HomeTeam: "Ajax", AwayTeam: "PSV"})
	assert.Equal(t, ImportanceLow, other.Importance)
	assert.Equal(t, 0.2, other.RivalryFactor)
}

func TestContextCountryFallsBackToLeague(t *testing.T) {
	r := ContextRules{LeagueCountries: map[string]string{"La Liga": "Spain"}}
	assert.Equal(t, "Spain", r.Country(database.Fixture{League: "la liga"}))
	assert.Equal(t, "Portugal", r.Country(database.Fixture{League: "la liga", Country: "Portugal"}))
	assert.Empty(t, r.Country(database.Fixture{League: "Eredivisie"}))
}

func TestStoreSourceTeamIntel(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	_, err := db.InsertNewsArticle(database.NewsArticle{
		ID: "a1", FixtureID: "derby", Source: "rss", Title: "Arsenal confident",
		PublishedAt: now.AddDate(0, 0, -1), CollectedAt: now.AddDate(0, 0, -1),
		TeamsMentioned: []string{"Arsenal"}, Sentiment: 0.4, ContentHash: "h1",
	})
	require.NoError(t, err)

	src := NewStoreSource(db, map[string]config.TeamProfile{"arsenal": {Formation: "4-3-3", Style: "possession"}}, 5)
	ti, err := src.TeamIntel(context.Background(), "Arsenal", now.Add(20*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, []string{"L", "D", "W", "W"}, ti.RecentForm)
	assert.Equal(t, database.Record{Wins: 2, Losses: 1}, ti.HomeRecord)
	assert.Equal(t, database.Record{Draws: 1}, ti.AwayRecord)
	assert.InDelta(t, 1.5, ti.GoalsScoredAvg, 1e-9)
	assert.InDelta(t, 0.75, ti.GoalsAgainstAvg, 1e-9)
	assert.Equal(t, 1, ti.CleanSheets)
	assert.InDelta(t, 0.4, ti.Sentiment, 1e-9)
	assert.Equal(t, "4-3-3", ti.Formation)
}

func TestStoreSourceTeamIntelIsCached(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	src := NewStoreSource(db, nil, 5)

	first, err := src.TeamIntel(context.Background(), "Arsenal", now)
	require.NoError(t, err)
	addResult(t, db, "r5", "Arsenal", "Fulham", 1, 5, 0)
	second, err := src.TeamIntel(context.Background(), "arsenal", now)
	require.NoError(t, err)
	assert.Equal(t, first.RecentForm, second.RecentForm)
}

func TestStoreSourceVenueAndHeadToHead(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	src := NewStoreSource(db, map[string]config.TeamProfile{
		"Arsenal": {Venue: "Emirates Stadium", Capacity: 60704},
	}, 5)
	f, err := db.GetFixture("derby")
	require.NoError(t, err)

	v, err := src.Venue(context.Background(), *f)
	require.NoError(t, err)
	assert.Equal(t, "Emirates Stadium", v.Name)
	assert.Equal(t, 60704, v.Capacity)
	assert.InDelta(t, 0.9, v.HomeAdvantage, 1e-9)
	assert.Equal(t, "good", v.PitchState)

	h, err := src.HeadToHead(context.Background(), *f)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Meetings)
	assert.Equal(t, 0, h.HomeWins)
	assert.Equal(t, 1, h.AwayWins)
	assert.Equal(t, 1, h.Draws)
	assert.InDelta(t, 1.5, h.AvgGoals, 1e-9)
	assert.Equal(t, []string{"Arsenal 0-1 Tottenham", "Tottenham 1-1 Arsenal"}, h.RecentResults)
}

func TestProcessEnrichesAndEmits(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	m, bus := newModule(t, db, nil)

	require.NoError(t, m.Process(context.Background(), "derby"))

	f, err := db.GetFixture("derby")
	require.NoError(t, err)
	assert.Equal(t, database.StageEnriched, f.Stage)

	mi, err := db.GetIntelligence("derby")
	require.NoError(t, err)
	require.NotNil(t, mi)
	assert.True(t, mi.HasTeams())
	assert.Equal(t, ImportanceHigh, mi.Context.Importance)
	assert.Equal(t, "England", mi.Context.Country)

	enriched := bus.History(events.MatchEnriched, 0)
	require.Len(t, enriched, 1)
	data := enriched[0].Data.(events.MatchEnrichedData)
	assert.Equal(t, "premier-league", data.RuleID)
	assert.Equal(t, events.CorrelationFor("derby"), enriched[0].CorrelationID)
}

func TestReemittedDiscoveryIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	m, bus := newModule(t, db, nil)

	require.NoError(t, m.Process(context.Background(), "derby"))
	require.NoError(t, m.Process(context.Background(), "derby"))
	assert.Len(t, bus.History(events.MatchEnriched, 0), 1)
}

type failingSource struct{ ContextSource }

func (failingSource) TeamIntel(ctx context.Context, team string, before time.Time) (*database.TeamIntel, error) {
	return nil, errors.New("stats feed down")
}

func TestFailureBecomesSystemError(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	m, bus := newModule(t, db, failingSource{})

	m.handle(context.Background(), "derby")

	errs := bus.History(events.SystemError, 0)
	require.Len(t, errs, 1)
	data := errs[0].Data.(events.SystemErrorData)
	assert.Equal(t, events.ModuleIntelligence, data.Module)
	assert.Equal(t, "derby", data.FixtureID)
	assert.Contains(t, data.Error, "stats feed down")
	assert.EqualValues(t, 1, m.Stats().Failed)

	f, _ := db.GetFixture("derby")
	assert.Equal(t, database.StageDiscovered, f.Stage)
}

func TestMissingFixtureIsReported(t *testing.T) {
	db := openTestDB(t)
	m, _ := newModule(t, db, nil)
	err := m.Process(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrFixtureNotFound)
}

func TestWorkerDrainsDiscoveredEvents(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	m, bus := newModule(t, db, nil)

	var mu sync.Mutex
	var enriched []string
	bus.Subscribe(events.MatchEnriched, events.ModuleNews, func(ctx context.Context, evt events.Event) error {
		mu.Lock()
		enriched = append(enriched, evt.Data.(events.MatchEnrichedData).FixtureID)
		mu.Unlock()
		return nil
	})

	bus.Emit(context.Background(), events.MatchDiscovered, events.ModuleDiscovery, "derby",
		events.MatchDiscoveredData{FixtureID: "derby"})
	bus.Emit(context.Background(), events.MatchDiscovered, events.ModuleDiscovery, "derby",
		events.MatchDiscoveredData{FixtureID: "derby"})
	assert.Equal(t, 1, m.Stats().QueueSize, "duplicate ids are not queued twice")

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(enriched) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, m.Idle, time.Second, 10*time.Millisecond)
}
