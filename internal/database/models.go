package database

import (
	"strings"
	"time"
)

// Stage tracks how far a fixture has travelled through the pipeline.
type Stage string

const (
	StageNew           Stage = ""
	StageDiscovered    Stage = "discovered"
	StageEnriched      Stage = "enriched"
	StageNewsCollected Stage = "news_collected"
	StageAnalyzing     Stage = "analyzing"
	StageAnalyzed      Stage = "analyzed"
	StageFailed        Stage = "failed"
	StageValidated     Stage = "validated"
	StageNeedsReview   Stage = "needs_review"
	StageRejected      Stage = "rejected"
	StageScheduled     Stage = "scheduled"
	StagePublished     Stage = "published"
)

// Fixture is a scheduled match between two teams.
type Fixture struct {
	ID                  string
	League              string
	Country             string
	HomeTeam            string
	AwayTeam            string
	Venue               *string
	Kickoff             time.Time
	MatchStatus         string
	HomeScore           *int
	AwayScore           *int
	Stage               Stage
	RuleID              *string
	DiscoveryConfidence *float64
	DiscoveredAt        *time.Time
	Published           bool
	PublicationID       *string
	PublishedAt         *time.Time
	UpdatedAt           time.Time
}

// Match status values.
const (
	MatchScheduled = "scheduled"
	MatchFinished  = "finished"
)

// HoursUntilKickoff returns the signed number of hours between now and kickoff.
func (f Fixture) HoursUntilKickoff(now time.Time) float64 {
	return f.Kickoff.Sub(now).Hours()
}

// Label returns "Home vs Away".
func (f Fixture) Label() string {
	return f.HomeTeam + " vs " + f.AwayTeam
}

// Involves reports whether team played in the fixture (case-insensitive).
func (f Fixture) Involves(team string) bool {
	return strings.EqualFold(f.HomeTeam, team) || strings.EqualFold(f.AwayTeam, team)
}

// TeamIntel is the pre-match picture of one side.
type TeamIntel struct {
	Name            string   `json:"name"`
	RecentForm      []string `json:"recent_form"`
	HomeRecord      Record   `json:"home_record"`
	AwayRecord      Record   `json:"away_record"`
	GoalsScoredAvg  float64  `json:"goals_scored_avg"`
	GoalsAgainstAvg float64  `json:"goals_conceded_avg"`
	CleanSheets     int      `json:"clean_sheets"`
	KeyPlayers      []string `json:"key_players,omitempty"`
	Formation       string   `json:"formation,omitempty"`
	PlayingStyle    string   `json:"playing_style,omitempty"`
	Sentiment       float64  `json:"sentiment"`
}

// Record is a win/draw/loss tally.
type Record struct {
	Wins   int `json:"wins"`
	Draws  int `json:"draws"`
	Losses int `json:"losses"`
}

// Played returns the number of matches in the record.
func (r Record) Played() int { return r.Wins + r.Draws + r.Losses }

// VenueIntel describes where the match is played.
type VenueIntel struct {
	Name          string  `json:"name"`
	Capacity      int     `json:"capacity,omitempty"`
	HomeAdvantage float64 `json:"home_advantage"`
	PitchState    string  `json:"pitch_condition"`
}

// HeadToHead summarises previous meetings between the two sides.
type HeadToHead struct {
	Meetings      int      `json:"meetings"`
	HomeWins      int      `json:"home_wins"`
	AwayWins      int      `json:"away_wins"`
	Draws         int      `json:"draws"`
	AvgGoals      float64  `json:"average_goals"`
	RecentResults []string `json:"recent_results,omitempty"`
}

// MatchContext is the non-sporting context of a fixture.
type MatchContext struct {
	Importance      string  `json:"importance"`
	RivalryFactor   float64 `json:"rivalry_factor"`
	MediaAttention  float64 `json:"media_attention"`
	BettingInterest float64 `json:"betting_interest"`
	Country         string  `json:"country,omitempty"`
}

// MatchIntelligence is the enrichment record for one fixture.
type MatchIntelligence struct {
	FixtureID  string       `json:"fixture_id"`
	Home       *TeamIntel   `json:"home,omitempty"`
	Away       *TeamIntel   `json:"away,omitempty"`
	Venue      *VenueIntel  `json:"venue,omitempty"`
	HeadToHead *HeadToHead  `json:"head_to_head,omitempty"`
	Context    MatchContext `json:"context"`
	EnrichedAt time.Time    `json:"enriched_at"`
}

// HasTeams reports whether both sides carry team intel.
func (m *MatchIntelligence) HasTeams() bool {
	return m != nil && m.Home != nil && m.Away != nil
}

// NewsArticle is a collected article scored against a fixture.
type NewsArticle struct {
	ID              string
	FixtureID       string
	Source          string
	SourceName      string
	Title           string
	Content         string
	URL             string
	Author          *string
	PublishedAt     time.Time
	CollectedAt     time.Time
	TeamsMentioned  []string
	KeywordsMatched []string
	Relevance       float64
	Sentiment       float64
	WordCount       int
	HasQuotes       bool
	ContentHash     string
}

// Prediction is the headline call of an analysis.
type Prediction struct {
	Outcome   string `json:"outcome"`
	Scoreline string `json:"scoreline,omitempty"`
	Reasoning string `json:"reasoning"`
}

// Tactical holds the tactical breakdown of an analysis.
type Tactical struct {
	HomeFormation string   `json:"home_formation,omitempty"`
	AwayFormation string   `json:"away_formation,omitempty"`
	KeyBattles    []string `json:"key_battles,omitempty"`
	Summary       string   `json:"summary"`
}

// Statistical holds outcome probabilities and expected goals.
type Statistical struct {
	HomeWin      float64 `json:"home_win_probability"`
	Draw         float64 `json:"draw_probability"`
	AwayWin      float64 `json:"away_win_probability"`
	ExpectedHome float64 `json:"expected_goals_home"`
	ExpectedAway float64 `json:"expected_goals_away"`
}

// Analysis pre-status values.
const (
	PreApproved    = "approved"
	PreNeedsReview = "needs_review"
	PreRejected    = "rejected"
	PrePending     = "pending"
)

// Analysis is the generated pre-match analysis for a fixture.
type Analysis struct {
	ID                  string
	FixtureID           string
	Confidence          float64
	Prediction          Prediction
	Insights            []string
	Tactical            *Tactical
	Statistical         *Statistical
	NewsSentiment       float64
	ArticleCount        int
	Completeness        float64
	DataQuality         float64
	PreStatus           string
	AutoPublishEligible bool
	Generator           string
	Version             int
	ProcessingTime      time.Duration
	CreatedAt           time.Time
}

// Text returns all prose of the analysis joined for text checks.
func (a Analysis) Text() string {
	parts := []string{a.Prediction.Reasoning}
	parts = append(parts, a.Insights...)
	if a.Tactical != nil {
		parts = append(parts, a.Tactical.Summary)
		parts = append(parts, a.Tactical.KeyBattles...)
	}
	return strings.Join(parts, " ")
}

// Validation outcomes.
const (
	ValidationApproved    = "approved"
	ValidationNeedsReview = "needs_review"
	ValidationRejected    = "rejected"
)

// CheckResult is the outcome of one quality check.
type CheckResult struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Severity string  `json:"severity"`
	Result   string  `json:"result"`
	Score    float64 `json:"score"`
	Message  string  `json:"message"`
}

// Validation is the immutable quality verdict for one analysis.
type Validation struct {
	ID             string
	FixtureID      string
	AnalysisID     string
	Overall        float64
	Safety         float64
	Accuracy       float64
	Completeness   float64
	Style          float64
	Checks         []CheckResult
	CriticalIssues []string
	MajorIssues    []string
	MinorIssues    []string
	Status         string
	Reason         string
	AutoApproved   bool
	ValidatedAt    time.Time
}

// Publication status values.
const (
	PublicationPublished = "published"
	PublicationFailed    = "failed"
	PublicationScheduled = "scheduled"
	PublicationCancelled = "cancelled"
)

// Snapshot is the content frozen at publish time.
type Snapshot struct {
	Title        string   `json:"title"`
	Prediction   string   `json:"prediction"`
	Insights     []string `json:"insights"`
	Confidence   float64  `json:"confidence"`
	QualityScore float64  `json:"quality_score"`
	BodyMarkdown string   `json:"body_markdown"`
	BodyHTML     string   `json:"body_html"`
}

// Publication is one attempt (or plan) to publish an analysis.
type Publication struct {
	ID           string
	FixtureID    string
	AnalysisID   string
	ValidationID *string
	Status       string
	Type         string
	Priority     string
	ScheduledFor *time.Time
	PublishedAt  *time.Time
	Snapshot     *Snapshot
	Error        *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuditEntry is one append-only line of a publication's audit trail.
type AuditEntry struct {
	PublicationID string
	Seq           int
	Timestamp     time.Time
	Action        string
	Actor         string
	Details       string
}

// Review item status values.
const (
	ReviewOpen     = "open"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
	ReviewExpired  = "expired"
)

// ReviewItem is a validated analysis waiting for a human decision.
type ReviewItem struct {
	ID           string
	FixtureID    string
	AnalysisID   string
	ValidationID string
	Reason       string
	Overall      float64
	Status       string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ResolvedAt   *time.Time
	ResolvedBy   *string
}
