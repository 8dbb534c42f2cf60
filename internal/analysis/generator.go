package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/llm"
	"github.com/TobiSchelling/matchwire/internal/rules"
)

// Input is everything a generator may look at for one fixture.
type Input struct {
	Fixture      database.Fixture
	Rule         rules.Rule
	Intelligence *database.MatchIntelligence
	Articles     []database.NewsArticle
}

// Draft is the raw output of a generator before the module scores it.
type Draft struct {
	Confidence  float64
	Prediction  database.Prediction
	Insights    []string
	Tactical    *database.Tactical
	Statistical *database.Statistical
}

// Generator produces an analysis draft.
type Generator interface {
	Name() string
	Generate(ctx context.Context, in Input) (*Draft, error)
}

// Prediction outcomes.
const (
	OutcomeHomeWin = "home_win"
	OutcomeDraw    = "draw"
	OutcomeAwayWin = "away_win"
)

// StatsGenerator derives a deterministic analysis from team form, venue,
// head-to-head and news sentiment.
type StatsGenerator struct{}

func (StatsGenerator) Name() string { return "stats" }

// Generate never fails; missing intelligence falls back to neutral ratings.
func (StatsGenerator) Generate(_ context.Context, in Input) (*Draft, error) {
	f := in.Fixture
	var home, away *database.TeamIntel
	var venue *database.VenueIntel
	var h2h *database.HeadToHead
	rivalry := 0.0
	if mi := in.Intelligence; mi != nil {
		home, away, venue, h2h = mi.Home, mi.Away, mi.Venue, mi.HeadToHead
		rivalry = mi.Context.RivalryFactor
	}

	homeFactor := 0.5
	if venue != nil {
		homeFactor = clamp((venue.HomeAdvantage-0.7)/0.3, 0, 1)
	}
	diff := rating(home) - rating(away) + 0.1*homeFactor
	if home != nil && away != nil {
		diff += 0.05 * (home.Sentiment - away.Sentiment)
	}

	draw := clamp(0.28-0.3*math.Abs(diff), 0.15, 0.3)
	homeWin := (1 - draw) * clamp(0.5+diff, 0.05, 0.95)
	awayWin := 1 - draw - homeWin
	stats := &database.Statistical{
		HomeWin:      round2(homeWin),
		Draw:         round2(draw),
		AwayWin:      round2(awayWin),
		ExpectedHome: expectedGoals(home, away, 1.4),
		ExpectedAway: expectedGoals(away, home, 1.1),
	}

	outcome, favourite := OutcomeDraw, ""
	switch {
	case homeWin >= awayWin && homeWin > draw:
		outcome, favourite = OutcomeHomeWin, f.HomeTeam
	case awayWin > homeWin && awayWin > draw:
		outcome, favourite = OutcomeAwayWin, f.AwayTeam
	}

	confidence := 50 + 60*math.Abs(homeWin-awayWin)
	if home != nil && away != nil && len(home.RecentForm) > 0 && len(away.RecentForm) > 0 {
		confidence += 5
	}
	confidence += math.Min(10, 2*float64(len(in.Articles)))
	confidence = math.Round(math.Min(confidence, 95))

	var reasoning string
	if favourite == "" {
		reasoning = fmt.Sprintf("%s and %s look evenly matched; a draw is the most likely single outcome at %.0f%%.",
			f.HomeTeam, f.AwayTeam, stats.Draw*100)
	} else {
		reasoning = fmt.Sprintf("%s are favoured at %.0f%% on recent form and venue.",
			favourite, math.Max(stats.HomeWin, stats.AwayWin)*100)
	}

	return &Draft{
		Confidence: confidence,
		Prediction: database.Prediction{
			Outcome:   outcome,
			Scoreline: scoreline(outcome, stats.ExpectedHome, stats.ExpectedAway),
			Reasoning: reasoning,
		},
		Insights:    insights(f, home, away, venue, h2h, rivalry, in.Articles),
		Tactical:    tactical(f, home, away),
		Statistical: stats,
	}, nil
}

// rating scores a side between 0 and 1; 0.5 when nothing is known.
func rating(t *database.TeamIntel) float64 {
	if t == nil {
		return 0.5
	}
	form := 0.5
	if n := len(t.RecentForm); n > 0 {
		form = float64(formPoints(t.RecentForm)) / float64(3*n)
	}
	attack := clamp(t.GoalsScoredAvg/3, 0, 1)
	defence := 1 - clamp(t.GoalsAgainstAvg/3, 0, 1)
	return 0.5*form + 0.25*attack + 0.25*defence
}

func expectedGoals(side, opponent *database.TeamIntel, fallback float64) float64 {
	if side == nil || opponent == nil || len(side.RecentForm) == 0 {
		return fallback
	}
	return math.Round(math.Max(0.2, (side.GoalsScoredAvg+opponent.GoalsAgainstAvg)/2)*10) / 10
}

func scoreline(outcome string, xgHome, xgAway float64) string {
	h, a := int(math.Round(xgHome)), int(math.Round(xgAway))
	switch outcome {
	case OutcomeHomeWin:
		if h <= a {
			h = a + 1
		}
	case OutcomeAwayWin:
		if a <= h {
			a = h + 1
		}
	default:
		a = min(h, a)
		h = a
	}
	return fmt.Sprintf("%d-%d", h, a)
}

func insights(f database.Fixture, home, away *database.TeamIntel, venue *database.VenueIntel,
	h2h *database.HeadToHead, rivalry float64, articles []database.NewsArticle) []string {
	var out []string
	for _, t := range []*database.TeamIntel{home, away} {
		if t == nil || len(t.RecentForm) == 0 {
			continue
		}
		out = append(out, fmt.Sprintf("%s have taken %d points from their last %d matches (%s).",
			t.Name, formPoints(t.RecentForm), len(t.RecentForm), strings.Join(t.RecentForm, " ")))
	}
	if venue != nil {
		out = append(out, fmt.Sprintf("Home advantage at %s is rated %.2f.", venue.Name, venue.HomeAdvantage))
	}
	if h2h != nil && h2h.Meetings > 0 {
		out = append(out, fmt.Sprintf("%s have won %d of %d recent meetings with %s, with %d draws.",
			f.HomeTeam, h2h.HomeWins, h2h.Meetings, f.AwayTeam, h2h.Draws))
	}
	if rivalry >= 0.8 {
		out = append(out, "Derby intensity could override form on the day.")
	}
	if len(articles) > 0 {
		mood := "neutral"
		switch s := meanSentiment(articles); {
		case s > 0.05:
			mood = "positive"
		case s < -0.05:
			mood = "cautious"
		}
		out = append(out, fmt.Sprintf("Pre-match coverage across %d articles reads %s.", len(articles), mood))
	}
	if len(out) == 0 {
		out = append(out, fmt.Sprintf("Limited data is available for %s.", f.Label()))
	}
	return out
}

func tactical(f database.Fixture, home, away *database.TeamIntel) *database.Tactical {
	t := &database.Tactical{}
	describe := func(name string, ti *database.TeamIntel) string {
		if ti == nil || (ti.Formation == "" && ti.PlayingStyle == "") {
			return name
		}
		parts := []string{}
		if ti.Formation != "" {
			parts = append(parts, ti.Formation)
		}
		if ti.PlayingStyle != "" {
			parts = append(parts, ti.PlayingStyle)
		}
		return fmt.Sprintf("%s (%s)", name, strings.Join(parts, ", "))
	}
	if home != nil {
		t.HomeFormation = home.Formation
	}
	if away != nil {
		t.AwayFormation = away.Formation
	}
	if home != nil && away != nil && len(home.KeyPlayers) > 0 && len(away.KeyPlayers) > 0 {
		t.KeyBattles = []string{home.KeyPlayers[0] + " vs " + away.KeyPlayers[0]}
	}
	t.Summary = describe(f.HomeTeam, home) + " take on " + describe(f.AwayTeam, away) + "."
	return t
}

func formPoints(form []string) int {
	points := 0
	for _, r := range form {
		switch r {
		case "W":
			points += 3
		case "D":
			points++
		}
	}
	return points
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

const analysisPrompt = `You are a football analyst writing a pre-match analysis for %s (%s), kicking off %s.

Context gathered for this fixture:
%s

Recent news headlines:
%s

Respond with ONLY this JSON:
{
    "prediction": {"outcome": "home_win | draw | away_win", "scoreline": "2-1", "reasoning": "One or two sentences"},
    "confidence": 0-100,
    "key_insights": ["Three to five short, factual insights"],
    "tactical": {"home_formation": "", "away_formation": "", "key_battles": [""], "summary": ""},
    "statistical": {"home_win_probability": 0.0, "draw_probability": 0.0, "away_win_probability": 0.0,
                    "expected_goals_home": 0.0, "expected_goals_away": 0.0}
}`

// ErrInvalidDraft is returned when the model's answer is unusable.
var ErrInvalidDraft = errors.New("invalid analysis draft")

const maxPromptArticles = 8

// LLMGenerator asks a language model for the analysis.
type LLMGenerator struct {
	provider  llm.Provider
	maxTokens int
}

// NewLLMGenerator creates a generator backed by provider.
func NewLLMGenerator(provider llm.Provider, maxTokens int) *LLMGenerator {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &LLMGenerator{provider: provider, maxTokens: maxTokens}
}

func (g *LLMGenerator) Name() string { return "llm:" + g.provider.Name() }

type llmDraft struct {
	Prediction  database.Prediction   `json:"prediction"`
	Confidence  float64               `json:"confidence"`
	Insights    []string              `json:"key_insights"`
	Tactical    *database.Tactical    `json:"tactical"`
	Statistical *database.Statistical `json:"statistical"`
}

// Generate prompts the model and validates its JSON answer.
func (g *LLMGenerator) Generate(ctx context.Context, in Input) (*Draft, error) {
	prompt := buildPrompt(in)
	text, err := g.provider.Generate(ctx, prompt, g.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("generating analysis: %w", err)
	}

	var d llmDraft
	if err := llm.ParseJSONResponse(text, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	switch d.Prediction.Outcome {
	case OutcomeHomeWin, OutcomeDraw, OutcomeAwayWin:
	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidDraft, d.Prediction.Outcome)
	}
	if len(d.Insights) == 0 {
		return nil, fmt.Errorf("%w: no insights", ErrInvalidDraft)
	}
	return &Draft{
		Confidence:  clamp(d.Confidence, 0, 100),
		Prediction:  d.Prediction,
		Insights:    d.Insights,
		Tactical:    d.Tactical,
		Statistical: d.Statistical,
	}, nil
}

func buildPrompt(in Input) string {
	f := in.Fixture
	var ctxLines strings.Builder
	if mi := in.Intelligence; mi != nil {
		for _, t := range []*database.TeamIntel{mi.Home, mi.Away} {
			if t == nil {
				continue
			}
			fmt.Fprintf(&ctxLines, "- %s: form %s, scoring %.1f and conceding %.1f per game",
				t.Name, strings.Join(t.RecentForm, ""), t.GoalsScoredAvg, t.GoalsAgainstAvg)
			if t.Formation != "" {
				fmt.Fprintf(&ctxLines, ", usually %s", t.Formation)
			}
			ctxLines.WriteString("\n")
		}
		if mi.Venue != nil {
			fmt.Fprintf(&ctxLines, "- Venue: %s, home advantage %.2f\n", mi.Venue.Name, mi.Venue.HomeAdvantage)
		}
		if mi.HeadToHead != nil && mi.HeadToHead.Meetings > 0 {
			fmt.Fprintf(&ctxLines, "- Head to head: %s (%.1f goals per meeting)\n",
				strings.Join(mi.HeadToHead.RecentResults, "; "), mi.HeadToHead.AvgGoals)
		}
		fmt.Fprintf(&ctxLines, "- Importance %s, rivalry %.1f\n", mi.Context.Importance, mi.Context.RivalryFactor)
	}
	if ctxLines.Len() == 0 {
		ctxLines.WriteString("- No structured context available\n")
	}

	var news strings.Builder
	for i, a := range in.Articles {
		if i == maxPromptArticles {
			break
		}
		fmt.Fprintf(&news, "- %s (%s)\n", a.Title, a.SourceName)
	}
	if news.Len() == 0 {
		news.WriteString("- None\n")
	}

	return fmt.Sprintf(analysisPrompt, f.Label(), f.League, f.Kickoff.Format("Mon 2 Jan 15:04 MST"),
		ctxLines.String(), news.String())
}
