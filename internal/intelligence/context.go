package intelligence

import (
	"strings"

	"github.com/TobiSchelling/matchwire/internal/database"
)

// Importance levels, most important first.
const (
	ImportanceCritical = "critical"
	ImportanceHigh     = "high"
	ImportanceMedium   = "medium"
	ImportanceLow      = "low"
)

var tierOrder = []string{ImportanceCritical, ImportanceHigh, ImportanceMedium}

var defaultTiers = map[string][]string{
	ImportanceCritical: {"Champions League"},
	ImportanceHigh:     {"Premier League"},
	ImportanceMedium:   {"La Liga", "Serie A"},
}

var defaultRivalries = [][]string{
	{"Arsenal", "Tottenham"},
	{"Manchester United", "Manchester City"},
	{"Liverpool", "Everton"},
	{"Real Madrid", "Barcelona"},
}

const (
	rivalryFactor    = 0.8
	nonRivalryFactor = 0.2
)

var importanceWeight = map[string]float64{
	ImportanceCritical: 1.0,
	ImportanceHigh:     0.75,
	ImportanceMedium:   0.5,
	ImportanceLow:      0.25,
}

// ContextRules holds the editorial knowledge used to build a MatchContext.
type ContextRules struct {
	Rivalries       [][]string
	LeagueTiers     map[string][]string
	LeagueCountries map[string]string
}

func (r ContextRules) withDefaults() ContextRules {
	if len(r.Rivalries) == 0 {
		r.Rivalries = defaultRivalries
	}
	if len(r.LeagueTiers) == 0 {
		r.LeagueTiers = defaultTiers
	}
	return r
}

// Importance returns the tier of the first configured tier list whose
// league name the fixture's league contains.
func (r ContextRules) Importance(league string) string {
	l := strings.ToLower(league)
	for _, tier := range tierOrder {
		for _, name := range r.LeagueTiers[tier] {
			if strings.Contains(l, strings.ToLower(name)) {
				return tier
			}
		}
	}
	return ImportanceLow
}

// Rivalry returns the rivalry factor for two teams in either order.
func (r ContextRules) Rivalry(home, away string) float64 {
	for _, pair := range r.Rivalries {
		if len(pair) != 2 {
			continue
		}
		if (strings.EqualFold(pair[0], home) && strings.EqualFold(pair[1], away)) ||
			(strings.EqualFold(pair[0], away) && strings.EqualFold(pair[1], home)) {
			return rivalryFactor
		}
	}
	return nonRivalryFactor
}

// Country returns the fixture's country, falling back to the league map.
func (r ContextRules) Country(f database.Fixture) string {
	if f.Country != "" {
		return f.Country
	}
	for league, country := range r.LeagueCountries {
		if strings.EqualFold(league, f.League) {
			return country
		}
	}
	return ""
}

// BuildContext derives the match context. Media attention and betting
// interest scale with importance and rivalry and are capped at 1.
func (r ContextRules) BuildContext(f database.Fixture) database.MatchContext {
	importance := r.Importance(f.League)
	rivalry := r.Rivalry(f.HomeTeam, f.AwayTeam)
	w := importanceWeight[importance]
	return database.MatchContext{
		Importance:      importance,
		RivalryFactor:   rivalry,
		MediaAttention:  min(1, 0.2+0.5*w+0.3*rivalry),
		BettingInterest: min(1, 0.3+0.4*w+0.3*rivalry),
		Country:         r.Country(f),
	}
}
