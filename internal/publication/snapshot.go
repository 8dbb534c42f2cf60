package publication

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/matchwire/internal/database"
)

var md = goldmark.New()

// Title returns the headline of a fixture's published analysis.
func Title(f database.Fixture) string {
	return f.HomeTeam + " vs " + f.AwayTeam + " - Match Analysis"
}

// predictionLine renders the headline call, e.g. "Arsenal win (2-1)".
func predictionLine(f database.Fixture, p database.Prediction) string {
	var call string
	switch p.Outcome {
	case "home_win":
		call = f.HomeTeam + " win"
	case "away_win":
		call = f.AwayTeam + " win"
	case "draw":
		call = "Draw"
	default:
		call = p.Outcome
	}
	if p.Scoreline != "" {
		call += " (" + p.Scoreline + ")"
	}
	return call
}

// BuildSnapshot freezes the content to publish. The body is written as
// Markdown and rendered to HTML once, so later reads never re-render.
func BuildSnapshot(f database.Fixture, a database.Analysis, v *database.Validation) (*database.Snapshot, error) {
	s := &database.Snapshot{
		Title:      Title(f),
		Prediction: predictionLine(f, a.Prediction),
		Insights:   a.Insights,
		Confidence: a.Confidence,
	}
	if v != nil {
		s.QualityScore = v.Overall
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.Title)
	fmt.Fprintf(&b, "**%s**, kickoff %s UTC\n\n", f.League, f.Kickoff.UTC().Format("Mon 2 Jan 15:04"))
	b.WriteString("## Prediction\n\n")
	fmt.Fprintf(&b, "%s, confidence %.0f%%.\n\n", s.Prediction, a.Confidence)
	if a.Prediction.Reasoning != "" {
		b.WriteString(a.Prediction.Reasoning + "\n\n")
	}
	if len(a.Insights) > 0 {
		b.WriteString("## Key insights\n\n")
		for _, in := range a.Insights {
			b.WriteString("- " + in + "\n")
		}
		b.WriteString("\n")
	}
	if t := a.Tactical; t != nil && t.Summary != "" {
		b.WriteString("## Tactics\n\n")
		b.WriteString(t.Summary + "\n\n")
		for _, kb := range t.KeyBattles {
			b.WriteString("- " + kb + "\n")
		}
		if len(t.KeyBattles) > 0 {
			b.WriteString("\n")
		}
	}
	if st := a.Statistical; st != nil {
		fmt.Fprintf(&b, "Win probabilities: %s %.0f%%, draw %.0f%%, %s %.0f%%.\n\n",
			f.HomeTeam, st.HomeWin*100, st.Draw*100, f.AwayTeam, st.AwayWin*100)
	}
	if v != nil {
		fmt.Fprintf(&b, "_Quality score: %.0f%%_\n", v.Overall)
	}
	s.BodyMarkdown = b.String()

	var html bytes.Buffer
	if err := md.Convert([]byte(s.BodyMarkdown), &html); err != nil {
		return nil, fmt.Errorf("rendering snapshot: %w", err)
	}
	s.BodyHTML = html.String()
	return s, nil
}
