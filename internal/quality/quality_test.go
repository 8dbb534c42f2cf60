package quality

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
	"github.com/TobiSchelling/matchwire/internal/rules"
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

var derby = database.Fixture{ID: "derby", League: "Premier League", HomeTeam: "Arsenal", AwayTeam: "Tottenham"}

var fullIntel = &database.MatchIntelligence{
	FixtureID: "derby",
	Home:      &database.TeamIntel{Name: "Arsenal"},
	Away:      &database.TeamIntel{Name: "Tottenham"},
	Venue:     &database.VenueIntel{Name: "Emirates Stadium", HomeAdvantage: 0.9},
}

func goodAnalysis() database.Analysis {
	return database.Analysis{
		ID:         "a-good",
		FixtureID:  "derby",
		Confidence: 85,
		Prediction: database.Prediction{
			Outcome:   "home_win",
			Scoreline: "2-1",
			Reasoning: "Arsenal should edge a tight contest against Tottenham at home.",
		},
		Insights: []string{
			"Arsenal have won four of their last five league matches at the Emirates.",
			"Tottenham have conceded in each of their last six away games this season.",
		},
		Tactical: &database.Tactical{Summary: "Arsenal press high while Tottenham look to counter quickly."},
	}
}

func lopsidedAnalysis() database.Analysis {
	a := goodAnalysis()
	a.ID = "a-lopsided"
	a.Prediction.Reasoning = "Arsenal should edge Tottenham at home."
	a.Insights = []string{
		"Arsenal have won four of their last five league matches at home.",
		"Arsenal keep clean sheets and Arsenal score early in most games.",
		"Tottenham travel with doubts over their back line this week.",
		"Arsenal fans expect a full house and a loud atmosphere tonight.",
	}
	return a
}

func resultFor(t *testing.T, results []database.CheckResult, id string) database.CheckResult {
	t.Helper()
	for _, r := range results {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("no result for %s", id)
	return database.CheckResult{}
}

func TestWeightedOverall(t *testing.T) {
	assert.Equal(t, 90.0, Weighted(100, 100, 100, 0))
	assert.Equal(t, 100.0, Weighted(100, 100, 100, 100))
	assert.Equal(t, 40.0, Weighted(100, 0, 0, 0))
}

func TestScoreEmptyCategoryCountsAsFull(t *testing.T) {
	s := Score([]database.CheckResult{{Category: Safety, Score: 50}, {Category: Safety, Score: 70}})
	assert.Equal(t, 60.0, s.Safety)
	assert.Equal(t, 100.0, s.Accuracy)
	assert.Equal(t, Weighted(60, 100, 100, 100), s.Overall)
}

func TestBias(t *testing.T) {
	b, h, a := Bias("Arsenal attack. Arsenal defend. Arsenal win. Tottenham lose.", "Arsenal", "Tottenham")
	assert.Equal(t, 3, h)
	assert.Equal(t, 1, a)
	assert.Equal(t, 0.5, b)

	s := Subject{Fixture: derby, Analysis: database.Analysis{
		Prediction: database.Prediction{Reasoning: "Arsenal attack. Arsenal defend. Arsenal win. Tottenham lose."},
	}}
	r := resultFor(t, RunChecks(s, defaultWords), "bias-detection")
	assert.Equal(t, Fail, r.Result)
	assert.Equal(t, 50.0, r.Score)

	b, _, _ = Bias("No team named", "Arsenal", "Tottenham")
	assert.Zero(t, b)
}

func TestCriticalFailureOverridesScore(t *testing.T) {
	results := []database.CheckResult{
		{ID: "profanity-check", Category: Safety, Severity: Critical, Result: Fail, Score: 0},
	}
	status, reason := Decide(results, Scores{Overall: 95, Safety: 100})
	assert.Equal(t, database.ValidationRejected, status)
	assert.Equal(t, "Critical failures: profanity-check", reason)
}

func TestDecideThresholds(t *testing.T) {
	status, _ := Decide(nil, Scores{Overall: 85, Safety: 90})
	assert.Equal(t, database.ValidationApproved, status)
	status, _ = Decide(nil, Scores{Overall: 92, Safety: 80})
	assert.Equal(t, database.ValidationNeedsReview, status)
	status, _ = Decide(nil, Scores{Overall: 70, Safety: 100})
	assert.Equal(t, database.ValidationNeedsReview, status)
	status, reason := Decide(nil, Scores{Overall: 69, Safety: 100})
	assert.Equal(t, database.ValidationRejected, status)
	assert.Equal(t, "Low quality score: 69%", reason)
}

func TestRunChecksOnCleanAnalysis(t *testing.T) {
	results := RunChecks(Subject{Fixture: derby, Analysis: goodAnalysis(), Intelligence: fullIntel, MinConfidence: 75}, defaultWords)
	require.Len(t, results, 8)
	for _, r := range results {
		assert.Equal(t, Pass, r.Result, r.ID)
		assert.Equal(t, 100.0, r.Score, r.ID)
	}
}

func TestTextChecksMatchWholeWords(t *testing.T) {
	a := goodAnalysis()
	a.Insights = append(a.Insights, "Arsenal were superb and Tottenham were gonna struggle.")
	results := RunChecks(Subject{Fixture: derby, Analysis: a}, defaultWords)

	brand := resultFor(t, results, "brand-consistency")
	assert.Equal(t, Warning, brand.Result)
	assert.Equal(t, 80.0, brand.Score)
	assert.Equal(t, "Informal language: gonna", brand.Message)
}

func TestConfidenceAndCompletenessChecks(t *testing.T) {
	a := goodAnalysis()
	a.Confidence = 60
	a.Tactical = nil
	results := RunChecks(Subject{Fixture: derby, Analysis: a, MinConfidence: 75}, defaultWords)

	conf := resultFor(t, results, "confidence-threshold")
	assert.Equal(t, Fail, conf.Result)
	assert.Equal(t, 80.0, conf.Score)

	comp := resultFor(t, results, "content-completeness")
	assert.Equal(t, Warning, comp.Result)
	assert.Equal(t, 67.0, comp.Score)

	data := resultFor(t, results, "data-sufficiency")
	assert.Equal(t, Fail, data.Result)
	assert.Equal(t, 50.0, data.Score)

	_, major, minor := Issues(results)
	assert.Equal(t, []string{"confidence-threshold: Confidence 60%, threshold 75%"}, major)
	assert.Len(t, minor, 1)
}

func TestFactualAccuracyNeedsBothTeams(t *testing.T) {
	a := database.Analysis{
		Confidence: 120,
		Prediction: database.Prediction{Reasoning: "The hosts look stronger."},
		Insights:   []string{"Form favours the home side."},
	}
	r := resultFor(t, RunChecks(Subject{Fixture: derby, Analysis: a}, defaultWords), "factual-accuracy")
	assert.Equal(t, Fail, r.Result)
	assert.Equal(t, 20.0, r.Score)
}

func TestFactualAccuracyFindsTeamsWithAmpersand(t *testing.T) {
	f := database.Fixture{ID: "seagulls", League: "Premier League", HomeTeam: "Brighton & Hove Albion", AwayTeam: "Fulham"}
	a := database.Analysis{
		Confidence: 80,
		Prediction: database.Prediction{Reasoning: "Brighton & Hove Albion should control the ball against Fulham."},
		Insights:   []string{"Brighton & Hove Albion are unbeaten at home in five."},
		Tactical:   &database.Tactical{Summary: "Brighton & Hove Albion build short from the back."},
	}
	r := resultFor(t, RunChecks(Subject{Fixture: f, Analysis: a}, defaultWords), "factual-accuracy")
	assert.Equal(t, Pass, r.Result)
	assert.Equal(t, 100.0, r.Score)
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, rules.High, PriorityFor(85))
	assert.Equal(t, rules.Medium, PriorityFor(70))
	assert.Equal(t, rules.Low, PriorityFor(69.9))
}

func seed(t *testing.T, db *database.DB, analyses ...database.Analysis) {
	t.Helper()
	f := derby
	f.Kickoff = now.Add(20 * time.Hour)
	require.NoError(t, db.UpsertFixture(f))
	require.NoError(t, db.MarkDiscovered("derby", "premier-league", 95, now))
	require.NoError(t, db.SetStage("derby", database.StageAnalyzed))
	require.NoError(t, db.SaveIntelligence(*fullIntel))
	for _, a := range analyses {
		a.CreatedAt = now
		require.NoError(t, db.SaveAnalysis(&a))
	}
}

func newController(t *testing.T, db *database.DB) (*Controller, *events.Bus) {
	t.Helper()
	rm, err := rules.NewManager(nil)
	require.NoError(t, err)
	bus := events.NewBus(quietLogger(), events.WithClock(clock))
	return New(db, rm, bus, Config{}, quietLogger(), WithClock(clock)), bus
}

func TestProcessApprovesCleanAnalysis(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, goodAnalysis())
	c, bus := newController(t, db)

	v, err := c.Process(context.Background(), Request{FixtureID: "derby", AnalysisID: "a-good"})
	require.NoError(t, err)
	assert.Equal(t, database.ValidationApproved, v.Status)
	assert.True(t, v.AutoApproved)
	assert.Equal(t, 100.0, v.Overall)

	f, _ := db.GetFixture("derby")
	assert.Equal(t, database.StageValidated, f.Stage)

	validated := bus.History(events.ContentValidated, 0)
	require.Len(t, validated, 1)
	data := validated[0].Data.(events.ContentValidatedData)
	assert.Equal(t, v.ID, data.ValidationID)
	assert.True(t, data.AutoApproved)
	assert.Empty(t, bus.History(events.ContentRejected, 0))

	_, err = c.Process(context.Background(), Request{FixtureID: "derby", AnalysisID: "a-good"})
	assert.ErrorIs(t, err, database.ErrDuplicate, "validations are immutable")
}

func TestProcessSendsLopsidedAnalysisToReview(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, lopsidedAnalysis())
	c, bus := newController(t, db)

	v, err := c.Process(context.Background(), Request{AnalysisID: "a-lopsided"})
	require.NoError(t, err)
	assert.Equal(t, 79.0, v.Safety)
	assert.Equal(t, 91.0, v.Overall)
	assert.Equal(t, database.ValidationNeedsReview, v.Status)
	assert.False(t, v.AutoApproved)

	f, _ := db.GetFixture("derby")
	assert.Equal(t, database.StageNeedsReview, f.Stage)
	assert.Len(t, bus.History(events.ContentValidated, 0), 1)
}

func TestProcessRejectsProfanity(t *testing.T) {
	db := openTestDB(t)
	a := goodAnalysis()
	a.Prediction.Reasoning = "Arsenal should damn well beat Tottenham."
	seed(t, db, a)
	c, bus := newController(t, db)

	v, err := c.Process(context.Background(), Request{AnalysisID: "a-good"})
	require.NoError(t, err)
	assert.Equal(t, database.ValidationRejected, v.Status)
	assert.Equal(t, []string{"profanity-check: Found profanity: damn"}, v.CriticalIssues)

	f, _ := db.GetFixture("derby")
	assert.Equal(t, database.StageRejected, f.Stage)

	rejected := bus.History(events.ContentRejected, 0)
	require.Len(t, rejected, 1)
	assert.Equal(t, "quality", rejected[0].Data.(events.ContentRejectedData).Stage)
}

func TestMissingAnalysisBecomesSystemError(t *testing.T) {
	db := openTestDB(t)
	c, bus := newController(t, db)

	c.handle(context.Background(), Request{FixtureID: "derby", AnalysisID: "ghost"})
	errs := bus.History(events.SystemError, 0)
	require.Len(t, errs, 1)
	data := errs[0].Data.(events.SystemErrorData)
	assert.Equal(t, events.ModuleQuality, data.Module)
	assert.Equal(t, "ghost", data.AnalysisID)
}

func TestCompletedEventFlowsThroughWorker(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, goodAnalysis())
	c, bus := newController(t, db)
	ctx := context.Background()

	bus.Emit(ctx, events.AnalysisCompleted, events.ModuleAnalysis, "derby", events.AnalysisCompletedData{
		FixtureID: "derby", AnalysisID: "a-good", Confidence: 85,
	})
	assert.Equal(t, 1, c.queue.Len())

	c.Start(ctx)
	defer c.Stop()
	require.Eventually(t, func() bool {
		return len(bus.History(events.ContentValidated, 0)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, c.Idle, time.Second, 10*time.Millisecond)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ValidatedToday)
	assert.Equal(t, 100.0, stats.AvgQualityScore)
	assert.Equal(t, 1.0, stats.ApprovalRate)
}
