package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func addFixture(t *testing.T, db *DB, id, home, away string, kickoff time.Time) {
	t.Helper()
	err := db.UpsertFixture(Fixture{
		ID: id, League: "Premier League", Country: "England",
		HomeTeam: home, AwayTeam: away, Kickoff: kickoff,
	})
	if err != nil {
		t.Fatalf("UpsertFixture(%s): %v", id, err)
	}
}

func addResult(t *testing.T, db *DB, id, home, away string, kickoff time.Time, hs, as int) {
	t.Helper()
	err := db.UpsertFixture(Fixture{
		ID: id, League: "Premier League", HomeTeam: home, AwayTeam: away, Kickoff: kickoff,
		MatchStatus: MatchFinished, HomeScore: intPtr(hs), AwayScore: intPtr(as),
	})
	if err != nil {
		t.Fatalf("UpsertFixture(%s): %v", id, err)
	}
}

func TestUpsertFixturePreservesPipelineState(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "f1", "Arsenal", "Chelsea", baseTime.Add(30*time.Hour))

	if err := db.MarkDiscovered("f1", "premier-league", 95, baseTime); err != nil {
		t.Fatalf("MarkDiscovered: %v", err)
	}

	// Kickoff moves; the schedule feed re-sends the fixture.
	addFixture(t, db, "f1", "Arsenal", "Chelsea", baseTime.Add(31*time.Hour))

	f, err := db.GetFixture("f1")
	if err != nil {
		t.Fatalf("GetFixture: %v", err)
	}
	if f.Stage != StageDiscovered {
		t.Errorf("expected stage discovered, got %q", f.Stage)
	}
	if f.RuleID == nil || *f.RuleID != "premier-league" {
		t.Errorf("expected rule premier-league, got %v", f.RuleID)
	}
	if !f.Kickoff.Equal(baseTime.Add(31 * time.Hour)) {
		t.Errorf("expected updated kickoff, got %v", f.Kickoff)
	}
}

func TestGetFixtureMissing(t *testing.T) {
	db := openTestDB(t)
	f, err := db.GetFixture("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f != nil {
		t.Errorf("expected nil fixture, got %+v", f)
	}
}

func TestUpcomingUndiscovered(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "soon", "Arsenal", "Chelsea", baseTime.Add(24*time.Hour))
	addFixture(t, db, "later", "Leeds", "Fulham", baseTime.Add(10*24*time.Hour))
	addFixture(t, db, "claimed", "Everton", "Wolves", baseTime.Add(48*time.Hour))
	addResult(t, db, "past", "Everton", "Wolves", baseTime.Add(-48*time.Hour), 1, 0)
	if err := db.MarkDiscovered("claimed", "premier-league", 80, baseTime); err != nil {
		t.Fatalf("MarkDiscovered: %v", err)
	}

	fixtures, err := db.UpcomingUndiscovered(baseTime, baseTime.Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("UpcomingUndiscovered: %v", err)
	}
	if len(fixtures) != 1 || fixtures[0].ID != "soon" {
		t.Errorf("expected only 'soon', got %+v", fixtures)
	}
}

func TestMarkDiscoveredTwiceFails(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "f1", "Arsenal", "Chelsea", baseTime.Add(30*time.Hour))
	if err := db.MarkDiscovered("f1", "premier-league", 90, baseTime); err != nil {
		t.Fatalf("first MarkDiscovered: %v", err)
	}
	if err := db.MarkDiscovered("f1", "premier-league", 90, baseTime); err == nil {
		t.Error("expected error when discovering twice")
	}
}

func TestCountDiscoveredSince(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "a", "Arsenal", "Chelsea", baseTime.Add(30*time.Hour))
	addFixture(t, db, "b", "Real Madrid", "Sevilla", baseTime.Add(30*time.Hour))
	db.MarkDiscovered("a", "premier-league", 90, baseTime)
	db.MarkDiscovered("b", "la-liga", 90, baseTime)

	n, err := db.CountDiscoveredSince("premier-league", baseTime.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountDiscoveredSince: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 premier-league fixture, got %d", n)
	}
	all, _ := db.CountDiscoveredSince("", baseTime.Add(-time.Hour))
	if all != 2 {
		t.Errorf("expected 2 fixtures overall, got %d", all)
	}
}

func TestTeamHistoryAndHeadToHead(t *testing.T) {
	db := openTestDB(t)
	addResult(t, db, "r1", "Arsenal", "Tottenham", baseTime.Add(-72*time.Hour), 2, 1)
	addResult(t, db, "r2", "Tottenham", "Arsenal", baseTime.Add(-48*time.Hour), 0, 0)
	addResult(t, db, "r3", "arsenal", "Chelsea", baseTime.Add(-24*time.Hour), 3, 0)
	addResult(t, db, "r4", "Leeds", "Fulham", baseTime.Add(-24*time.Hour), 1, 1)

	history, err := db.FinishedForTeam("Arsenal", baseTime, 5)
	if err != nil {
		t.Fatalf("FinishedForTeam: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 Arsenal results, got %d", len(history))
	}
	if history[0].ID != "r3" {
		t.Errorf("expected newest first, got %s", history[0].ID)
	}

	h2h, err := db.HeadToHead("Arsenal", "Tottenham", baseTime, 10)
	if err != nil {
		t.Fatalf("HeadToHead: %v", err)
	}
	if len(h2h) != 2 {
		t.Errorf("expected 2 meetings, got %d", len(h2h))
	}
}

func TestListFixturesFilter(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "a", "Arsenal", "Chelsea", baseTime.Add(10*time.Hour))
	addFixture(t, db, "b", "Leeds", "Fulham", baseTime.Add(20*time.Hour))
	db.MarkDiscovered("a", "premier-league", 90, baseTime)

	got, err := db.ListFixtures(FixtureFilter{Stages: []Stage{StageDiscovered}})
	if err != nil {
		t.Fatalf("ListFixtures: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("expected only 'a', got %+v", got)
	}

	to := baseTime.Add(15 * time.Hour)
	got, _ = db.ListFixtures(FixtureFilter{To: &to})
	if len(got) != 1 {
		t.Errorf("expected 1 fixture before cutoff, got %d", len(got))
	}
}

func TestIntelligenceRoundTrip(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "f1", "Arsenal", "Chelsea", baseTime.Add(30*time.Hour))

	mi := MatchIntelligence{
		FixtureID:  "f1",
		Home:       &TeamIntel{Name: "Arsenal", RecentForm: []string{"W", "D"}},
		Away:       &TeamIntel{Name: "Chelsea"},
		Context:    MatchContext{Importance: "high", RivalryFactor: 0.2},
		EnrichedAt: baseTime,
	}
	if err := db.SaveIntelligence(mi); err != nil {
		t.Fatalf("SaveIntelligence: %v", err)
	}
	mi.Context.Importance = "critical"
	if err := db.SaveIntelligence(mi); err != nil {
		t.Fatalf("second SaveIntelligence: %v", err)
	}

	got, err := db.GetIntelligence("f1")
	if err != nil {
		t.Fatalf("GetIntelligence: %v", err)
	}
	if !got.HasTeams() {
		t.Error("expected both team intel records")
	}
	if got.Context.Importance != "critical" {
		t.Errorf("expected replaced record, got importance %q", got.Context.Importance)
	}
}

func TestNewsArticleDedupByHash(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "f1", "Arsenal", "Chelsea", baseTime.Add(30*time.Hour))

	a := NewsArticle{
		ID: "n1", FixtureID: "f1", Source: "rss", Title: "Arsenal preview",
		PublishedAt: baseTime, CollectedAt: baseTime, TeamsMentioned: []string{"Arsenal"},
		Relevance: 0.7, Sentiment: 0.2, ContentHash: "abc",
	}
	inserted, err := db.InsertNewsArticle(a)
	if err != nil || !inserted {
		t.Fatalf("expected first insert to succeed, got %v %v", inserted, err)
	}
	a.ID = "n2"
	inserted, err = db.InsertNewsArticle(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Error("expected duplicate hash to be ignored")
	}

	articles, err := db.ArticlesForFixture("f1")
	if err != nil {
		t.Fatalf("ArticlesForFixture: %v", err)
	}
	if len(articles) != 1 || articles[0].ID != "n1" {
		t.Errorf("expected only n1, got %+v", articles)
	}
	if len(articles[0].TeamsMentioned) != 1 {
		t.Errorf("expected teams to round-trip, got %v", articles[0].TeamsMentioned)
	}

	avg, n, err := db.TeamSentiment("Arsenal", baseTime.Add(-time.Hour))
	if err != nil {
		t.Fatalf("TeamSentiment: %v", err)
	}
	if n != 1 || avg != 0.2 {
		t.Errorf("expected sentiment 0.2 over 1 article, got %v over %d", avg, n)
	}
}

func TestSaveAnalysisReplacesInPlace(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "f1", "Arsenal", "Chelsea", baseTime.Add(30*time.Hour))

	a := &Analysis{
		ID: "a1", FixtureID: "f1", Confidence: 82,
		Prediction: Prediction{Outcome: "home", Reasoning: "Arsenal are in form"},
		Insights:   []string{"Arsenal unbeaten at home"},
		PreStatus:  PreApproved, CreatedAt: baseTime,
	}
	if err := db.SaveAnalysis(a); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("expected version 1, got %d", a.Version)
	}

	b := &Analysis{ID: "a2", FixtureID: "f1", Confidence: 60, PreStatus: PrePending, CreatedAt: baseTime}
	if err := db.SaveAnalysis(b); err != nil {
		t.Fatalf("second SaveAnalysis: %v", err)
	}
	if b.Version != 2 {
		t.Errorf("expected version 2, got %d", b.Version)
	}

	got, err := db.GetAnalysisForFixture("f1")
	if err != nil {
		t.Fatalf("GetAnalysisForFixture: %v", err)
	}
	if got.ID != "a2" || got.Confidence != 60 {
		t.Errorf("expected replaced analysis a2, got %s (%v)", got.ID, got.Confidence)
	}
	if old, _ := db.GetAnalysis("a1"); old != nil {
		t.Error("expected a1 to be gone after replacement")
	}
}

func TestValidationIsImmutable(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "f1", "Arsenal", "Chelsea", baseTime.Add(30*time.Hour))

	v := Validation{
		ID: "v1", FixtureID: "f1", AnalysisID: "a1", Overall: 90, Safety: 100,
		Checks:      []CheckResult{{ID: "profanity-check", Result: "pass", Score: 100}},
		Status:      ValidationApproved,
		ValidatedAt: baseTime,
	}
	if err := db.InsertValidation(v); err != nil {
		t.Fatalf("InsertValidation: %v", err)
	}
	v.ID = "v2"
	err := db.InsertValidation(v)
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	got, err := db.LatestValidationForFixture("f1")
	if err != nil {
		t.Fatalf("LatestValidationForFixture: %v", err)
	}
	if got.ID != "v1" || len(got.Checks) != 1 {
		t.Errorf("unexpected validation %+v", got)
	}

	v.ID, v.AnalysisID, v.Overall, v.Status = "v3", "a2", 60, ValidationRejected
	if err := db.InsertValidation(v); err != nil {
		t.Fatalf("InsertValidation: %v", err)
	}
	sum, err := db.SummarizeValidationsSince(baseTime.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SummarizeValidationsSince: %v", err)
	}
	if sum.Count != 2 || sum.Approved != 1 || sum.AvgOverall != 75 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestPublicationLifecycleAndAudit(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "f1", "Arsenal", "Chelsea", baseTime.Add(30*time.Hour))

	when := baseTime.Add(24 * time.Hour)
	p := Publication{
		ID: "p1", FixtureID: "f1", AnalysisID: "a1", Status: PublicationScheduled,
		Type: "auto", Priority: "high", ScheduledFor: &when, CreatedAt: baseTime,
	}
	if err := db.SavePublication(p); err != nil {
		t.Fatalf("SavePublication: %v", err)
	}
	scheduled, err := db.ScheduledPublications()
	if err != nil {
		t.Fatalf("ScheduledPublications: %v", err)
	}
	if len(scheduled) != 1 || !scheduled[0].ScheduledFor.Equal(when) {
		t.Fatalf("expected one scheduled publication, got %+v", scheduled)
	}

	published := when
	p.Status = PublicationPublished
	p.PublishedAt = &published
	p.Snapshot = &Snapshot{Title: "Arsenal vs Chelsea - Match Analysis", Confidence: 82}
	if err := db.SavePublication(p); err != nil {
		t.Fatalf("SavePublication update: %v", err)
	}

	for _, action := range []string{"publication_initiated", "content_validated", "content_published"} {
		if err := db.AppendAudit(AuditEntry{PublicationID: "p1", Timestamp: when, Action: action, Actor: "system"}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	got, err := db.GetPublication("p1")
	if err != nil {
		t.Fatalf("GetPublication: %v", err)
	}
	if got.Status != PublicationPublished || got.Snapshot == nil {
		t.Errorf("unexpected publication %+v", got)
	}

	trail, err := db.AuditTrail("p1")
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(trail) != 3 || trail[2].Action != "content_published" || trail[2].Seq != 3 {
		t.Errorf("unexpected audit trail %+v", trail)
	}

	list, _ := db.ListPublications(PublicationFilter{Status: PublicationPublished})
	if len(list) != 1 {
		t.Errorf("expected 1 published publication, got %d", len(list))
	}
}

func TestTransitionPublicationOnlyFromExpectedStatus(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "f1", "Arsenal", "Chelsea", baseTime.Add(10*time.Hour))
	if err := db.SavePublication(Publication{
		ID: "p1", FixtureID: "f1", AnalysisID: "a1", Status: PublicationPublished, Type: "auto", CreatedAt: baseTime,
	}); err != nil {
		t.Fatalf("SavePublication: %v", err)
	}

	ok, err := db.TransitionPublication("p1", PublicationScheduled, PublicationCancelled)
	if err != nil {
		t.Fatalf("TransitionPublication: %v", err)
	}
	if ok {
		t.Error("expected no transition from a published row")
	}
	got, _ := db.GetPublication("p1")
	if got.Status != PublicationPublished {
		t.Errorf("status = %s, want published", got.Status)
	}

	ok, err = db.TransitionPublication("p1", PublicationPublished, PublicationFailed)
	if err != nil || !ok {
		t.Fatalf("expected transition, got ok=%v err=%v", ok, err)
	}
}

func TestReviewQueueResolveAndExpire(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "f1", "Arsenal", "Chelsea", baseTime.Add(30*time.Hour))
	addFixture(t, db, "f2", "Leeds", "Fulham", baseTime.Add(30*time.Hour))

	open := func(id, fixture, validation string, expires time.Time) {
		t.Helper()
		ok, err := db.InsertReviewItem(ReviewItem{
			ID: id, FixtureID: fixture, AnalysisID: "a-" + id, ValidationID: validation,
			Overall: 75, CreatedAt: baseTime, ExpiresAt: expires,
		})
		if err != nil || !ok {
			t.Fatalf("InsertReviewItem(%s): %v %v", id, ok, err)
		}
	}
	open("r1", "f1", "v1", baseTime.Add(time.Hour))
	open("r2", "f2", "v2", baseTime.Add(48*time.Hour))

	if ok, _ := db.InsertReviewItem(ReviewItem{ID: "r3", FixtureID: "f1", ValidationID: "v1", CreatedAt: baseTime, ExpiresAt: baseTime}); ok {
		t.Error("expected second item for the same validation to be ignored")
	}

	expired, err := db.ExpiredReviewItems(baseTime.Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("ExpiredReviewItems: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "r1" {
		t.Errorf("expected r1 to be expired, got %+v", expired)
	}

	ok, err := db.ResolveReviewItem("r2", ReviewApproved, "editor", baseTime)
	if err != nil || !ok {
		t.Fatalf("ResolveReviewItem: %v %v", ok, err)
	}
	if ok, _ := db.ResolveReviewItem("r2", ReviewRejected, "editor", baseTime); ok {
		t.Error("expected closed item to reject a second resolution")
	}

	items, _ := db.ListReviewItems(ReviewOpen)
	if len(items) != 1 || items[0].ID != "r1" {
		t.Errorf("expected r1 still open, got %+v", items)
	}
	item, _ := db.GetReviewItem("r2")
	if item.ResolvedBy == nil || *item.ResolvedBy != "editor" {
		t.Errorf("expected resolver to be recorded, got %+v", item)
	}
}

func TestCountByStage(t *testing.T) {
	db := openTestDB(t)
	addFixture(t, db, "a", "Arsenal", "Chelsea", baseTime.Add(10*time.Hour))
	addFixture(t, db, "b", "Leeds", "Fulham", baseTime.Add(20*time.Hour))
	db.MarkDiscovered("a", "premier-league", 90, baseTime)
	db.MarkPublished("b", "p1", baseTime)

	counts, err := db.CountByStage()
	if err != nil {
		t.Fatalf("CountByStage: %v", err)
	}
	if counts[StageDiscovered] != 1 || counts[StagePublished] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}
