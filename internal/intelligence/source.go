package intelligence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/TobiSchelling/matchwire/internal/config"
	"github.com/TobiSchelling/matchwire/internal/database"
)

// ContextSource supplies the raw material for an enrichment record.
type ContextSource interface {
	TeamIntel(ctx context.Context, team string, before time.Time) (*database.TeamIntel, error)
	Venue(ctx context.Context, f database.Fixture) (*database.VenueIntel, error)
	HeadToHead(ctx context.Context, f database.Fixture) (*database.HeadToHead, error)
}

// HistoryStore is the read side of the store that StoreSource derives from.
type HistoryStore interface {
	FinishedForTeam(team string, before time.Time, limit int) ([]database.Fixture, error)
	HeadToHead(teamA, teamB string, before time.Time, limit int) ([]database.Fixture, error)
	TeamSentiment(team string, since time.Time) (float64, int, error)
}

const (
	teamCacheSize  = 256
	teamCacheTTL   = time.Hour
	sentimentSpan  = 7 * 24 * time.Hour
	venueSample    = 10
	headToHeadSpan = 10
	recentMeetings = 5
)

// StoreSource derives team, venue and head-to-head context from finished
// fixtures and collected articles already in the store, plus the static
// team profiles from config.
type StoreSource struct {
	store    HistoryStore
	profiles map[string]config.TeamProfile
	window   int
	cache    *expirable.LRU[string, database.TeamIntel]
}

// NewStoreSource creates a StoreSource. window is the number of recent
// results that make up a team's form.
func NewStoreSource(store HistoryStore, profiles map[string]config.TeamProfile, window int) *StoreSource {
	if window <= 0 {
		window = 5
	}
	normalized := make(map[string]config.TeamProfile, len(profiles))
	for name, p := range profiles {
		normalized[strings.ToLower(name)] = p
	}
	return &StoreSource{
		store:    store,
		profiles: normalized,
		window:   window,
		cache:    expirable.NewLRU[string, database.TeamIntel](teamCacheSize, nil, teamCacheTTL),
	}
}

func (s *StoreSource) profile(team string) (config.TeamProfile, bool) {
	p, ok := s.profiles[strings.ToLower(team)]
	return p, ok
}

// TeamIntel summarises the team's last results before the given time.
func (s *StoreSource) TeamIntel(ctx context.Context, team string, before time.Time) (*database.TeamIntel, error) {
	key := strings.ToLower(team)
	if cached, ok := s.cache.Get(key); ok {
		return &cached, nil
	}

	results, err := s.store.FinishedForTeam(team, before, s.window)
	if err != nil {
		return nil, fmt.Errorf("loading results for %s: %w", team, err)
	}

	ti := database.TeamIntel{Name: team, RecentForm: []string{}}
	var scored, conceded int
	for _, m := range results {
		if m.HomeScore == nil || m.AwayScore == nil {
			continue
		}
		home := strings.EqualFold(m.HomeTeam, team)
		us, them := *m.HomeScore, *m.AwayScore
		if !home {
			us, them = them, us
		}
		scored += us
		conceded += them
		if them == 0 {
			ti.CleanSheets++
		}

		rec := &ti.AwayRecord
		if home {
			rec = &ti.HomeRecord
		}
		switch {
		case us > them:
			ti.RecentForm = append(ti.RecentForm, "W")
			rec.Wins++
		case us < them:
			ti.RecentForm = append(ti.RecentForm, "L")
			rec.Losses++
		default:
			ti.RecentForm = append(ti.RecentForm, "D")
			rec.Draws++
		}
	}
	if n := len(ti.RecentForm); n > 0 {
		ti.GoalsScoredAvg = float64(scored) / float64(n)
		ti.GoalsAgainstAvg = float64(conceded) / float64(n)
	}

	sentiment, _, err := s.store.TeamSentiment(team, before.Add(-sentimentSpan))
	if err != nil {
		return nil, fmt.Errorf("loading sentiment for %s: %w", team, err)
	}
	ti.Sentiment = sentiment

	if p, ok := s.profile(team); ok {
		ti.Formation = p.Formation
		ti.PlayingStyle = p.Style
		ti.KeyPlayers = p.KeyPlayers
	}

	s.cache.Add(key, ti)
	return &ti, nil
}

// Venue describes the home side's ground. Home advantage grows with the
// home side's recent home win rate.
func (s *StoreSource) Venue(ctx context.Context, f database.Fixture) (*database.VenueIntel, error) {
	v := &database.VenueIntel{PitchState: "good", HomeAdvantage: 0.85}

	p, hasProfile := s.profile(f.HomeTeam)
	switch {
	case f.Venue != nil && *f.Venue != "":
		v.Name = *f.Venue
	case hasProfile && p.Venue != "":
		v.Name = p.Venue
	default:
		v.Name = f.HomeTeam + " home ground"
	}
	if hasProfile {
		v.Capacity = p.Capacity
	}

	results, err := s.store.FinishedForTeam(f.HomeTeam, f.Kickoff, venueSample)
	if err != nil {
		return nil, fmt.Errorf("loading home record for %s: %w", f.HomeTeam, err)
	}
	var played, won int
	for _, m := range results {
		if !strings.EqualFold(m.HomeTeam, f.HomeTeam) || m.HomeScore == nil || m.AwayScore == nil {
			continue
		}
		played++
		if *m.HomeScore > *m.AwayScore {
			won++
		}
	}
	if played > 0 {
		v.HomeAdvantage = 0.7 + 0.3*float64(won)/float64(played)
	}
	return v, nil
}

// HeadToHead tallies previous meetings from the perspective of the
// fixture's home side, whichever ground they were played at.
func (s *StoreSource) HeadToHead(ctx context.Context, f database.Fixture) (*database.HeadToHead, error) {
	meetings, err := s.store.HeadToHead(f.HomeTeam, f.AwayTeam, f.Kickoff, headToHeadSpan)
	if err != nil {
		return nil, fmt.Errorf("loading meetings: %w", err)
	}
	h := &database.HeadToHead{}
	goals := 0
	for _, m := range meetings {
		if m.HomeScore == nil || m.AwayScore == nil {
			continue
		}
		h.Meetings++
		hs, as := *m.HomeScore, *m.AwayScore
		goals += hs + as
		winner := ""
		switch {
		case hs > as:
			winner = m.HomeTeam
		case as > hs:
			winner = m.AwayTeam
		}
		switch {
		case winner == "":
			h.Draws++
		case strings.EqualFold(winner, f.HomeTeam):
			h.HomeWins++
		default:
			h.AwayWins++
		}
		if len(h.RecentResults) < recentMeetings {
			h.RecentResults = append(h.RecentResults, fmt.Sprintf("%s %d-%d %s", m.HomeTeam, hs, as, m.AwayTeam))
		}
	}
	if h.Meetings > 0 {
		h.AvgGoals = float64(goals) / float64(h.Meetings)
	}
	return h, nil
}
