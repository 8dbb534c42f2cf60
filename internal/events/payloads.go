package events

import (
	"time"

	"github.com/TobiSchelling/matchwire/internal/database"
)

// MatchDiscoveredData is carried by MatchDiscovered.
type MatchDiscoveredData struct {
	FixtureID  string    `json:"match_id"`
	League     string    `json:"league"`
	HomeTeam   string    `json:"home_team"`
	AwayTeam   string    `json:"away_team"`
	Kickoff    time.Time `json:"kickoff"`
	RuleID     string    `json:"competition_config"`
	Confidence float64   `json:"confidence"`
}

// MatchEnrichedData is carried by MatchEnriched.
type MatchEnrichedData struct {
	FixtureID    string                      `json:"match_id"`
	RuleID       string                      `json:"competition_config"`
	Intelligence *database.MatchIntelligence `json:"intelligence"`
}

// ArticleSummary is the trimmed article shape sent downstream.
type ArticleSummary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Relevance   float64   `json:"relevance_score"`
}

// NewsCollectedData is carried by NewsCollected.
type NewsCollectedData struct {
	FixtureID    string            `json:"match_id"`
	Articles     []ArticleSummary  `json:"articles"`
	SourceErrors map[string]string `json:"source_errors,omitempty"`
}

// AnalysisCompletedData is carried by AnalysisCompleted.
type AnalysisCompletedData struct {
	FixtureID           string  `json:"match_id"`
	AnalysisID          string  `json:"analysis_id"`
	Confidence          float64 `json:"confidence"`
	ValidationStatus    string  `json:"validation_status"`
	AutoPublishEligible bool    `json:"auto_publish_eligible"`
}

// ContentValidatedData is carried by ContentValidated.
type ContentValidatedData struct {
	FixtureID    string  `json:"match_id"`
	AnalysisID   string  `json:"analysis_id"`
	ValidationID string  `json:"validation_id"`
	Overall      float64 `json:"overall_score"`
	Status       string  `json:"status"`
	AutoApproved bool    `json:"auto_approved"`
}

// ContentPublishedData is carried by ContentPublished.
type ContentPublishedData struct {
	FixtureID     string   `json:"match_id"`
	PublicationID string   `json:"publication_id"`
	Status        string   `json:"publication_status"`
	Type          string   `json:"type"`
	Actions       []string `json:"audit_actions"`
}

// ContentRejectedData is carried by ContentRejected.
type ContentRejectedData struct {
	FixtureID string `json:"match_id"`
	Stage     string `json:"stage"`
	Reason    string `json:"reason"`
}

// SystemErrorData is carried by SystemError.
type SystemErrorData struct {
	Module     Module `json:"module"`
	FixtureID  string `json:"match_id,omitempty"`
	AnalysisID string `json:"analysis_id,omitempty"`
	Trigger    Type   `json:"trigger,omitempty"`
	Error      string `json:"error"`
}
