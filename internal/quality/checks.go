package quality

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/TobiSchelling/matchwire/internal/database"
)

// Check categories.
const (
	Safety       = "safety"
	Accuracy     = "accuracy"
	Completeness = "completeness"
	Style        = "style"
)

// Check severities.
const (
	Critical = "critical"
	Major    = "major"
	Minor    = "minor"
)

// Check results.
const (
	Pass    = "pass"
	Warning = "warning"
	Fail    = "fail"
)

const defaultMinConfidence = 70

// Subject is what the checks inspect.
type Subject struct {
	Fixture       database.Fixture
	Analysis      database.Analysis
	Intelligence  *database.MatchIntelligence
	MinConfidence float64
}

// Words are the vocabulary lists used by the text checks.
type Words struct {
	Profanity []string
	Informal  []string
}

// Check is one rubric item.
type Check struct {
	ID       string
	Name     string
	Category string
	Severity string
	run      func(Subject, Words) (result string, score float64, message string)
}

// Checks is the rubric, in evaluation order.
var Checks = []Check{
	{"profanity-check", "Profanity Detection", Safety, Critical, checkProfanity},
	{"bias-detection", "Bias Detection", Safety, Major, checkBias},
	{"factual-accuracy", "Factual Accuracy", Accuracy, Critical, checkFactualAccuracy},
	{"confidence-threshold", "Confidence Threshold", Accuracy, Major, checkConfidence},
	{"content-completeness", "Content Completeness", Completeness, Major, checkContentCompleteness},
	{"data-sufficiency", "Data Sufficiency", Completeness, Minor, checkDataSufficiency},
	{"readability-score", "Readability", Style, Minor, checkReadability},
	{"brand-consistency", "Brand Consistency", Style, Minor, checkBrandConsistency},
}

// RunChecks evaluates every check against s.
func RunChecks(s Subject, w Words) []database.CheckResult {
	out := make([]database.CheckResult, 0, len(Checks))
	for _, c := range Checks {
		result, score, msg := c.run(s, w)
		out = append(out, database.CheckResult{
			ID:       c.ID,
			Name:     c.Name,
			Category: c.Category,
			Severity: c.Severity,
			Result:   result,
			Score:    math.Max(0, math.Min(100, score)),
			Message:  msg,
		})
	}
	return out
}

// prose is the reader-facing text of an analysis.
func prose(a database.Analysis) string {
	return strings.Join(append([]string{a.Prediction.Reasoning}, a.Insights...), " ")
}

func checkProfanity(s Subject, w Words) (string, float64, string) {
	found := matchWords(prose(s.Analysis), w.Profanity)
	if len(found) == 0 {
		return Pass, 100, "No profanity detected"
	}
	return Fail, 0, "Found profanity: " + strings.Join(found, ", ")
}

// Bias measures how lopsided team mentions are: |h-a| / (h+a).
func Bias(text, home, away string) (bias float64, homeCount, awayCount int) {
	lower := strings.ToLower(text)
	homeCount = strings.Count(lower, strings.ToLower(home))
	awayCount = strings.Count(lower, strings.ToLower(away))
	total := homeCount + awayCount
	if total == 0 {
		return 0, 0, 0
	}
	return math.Abs(float64(homeCount-awayCount)) / float64(total), homeCount, awayCount
}

func checkBias(s Subject, _ Words) (string, float64, string) {
	bias, h, a := Bias(prose(s.Analysis), s.Fixture.HomeTeam, s.Fixture.AwayTeam)
	result := Pass
	switch {
	case bias >= 0.5:
		result = Fail
	case bias >= 0.3:
		result = Warning
	}
	return result, math.Round(100 - bias*100), fmt.Sprintf("Team mentions: %s (%d) vs %s (%d), bias %.0f%%",
		s.Fixture.HomeTeam, h, s.Fixture.AwayTeam, a, bias*100)
}

func checkFactualAccuracy(s Subject, _ Words) (string, float64, string) {
	// Team names such as "Brighton & Hove Albion" must survive encoding.
	var content strings.Builder
	enc := json.NewEncoder(&content)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(struct {
		Prediction database.Prediction
		Insights   []string
		Tactical   *database.Tactical
	}{s.Analysis.Prediction, s.Analysis.Insights, s.Analysis.Tactical})
	lower := strings.ToLower(content.String())

	score := 100.0
	var issues []string
	if !strings.Contains(lower, strings.ToLower(s.Fixture.HomeTeam)) {
		score -= 25
		issues = append(issues, "home team not named")
	}
	if !strings.Contains(lower, strings.ToLower(s.Fixture.AwayTeam)) {
		score -= 25
		issues = append(issues, "away team not named")
	}
	if c := s.Analysis.Confidence; c < 0 || c > 100 {
		score -= 30
		issues = append(issues, "confidence out of range")
	}
	if len(issues) == 0 {
		return Pass, score, "Basic facts verified"
	}
	return graded(score, 70, 50), score, strings.Join(issues, ", ")
}

func checkConfidence(s Subject, _ Words) (string, float64, string) {
	threshold := s.MinConfidence
	if threshold <= 0 {
		threshold = defaultMinConfidence
	}
	c := s.Analysis.Confidence
	result := Pass
	if c < threshold {
		result = Fail
	}
	return result, c / threshold * 100, fmt.Sprintf("Confidence %.0f%%, threshold %.0f%%", c, threshold)
}

func checkContentCompleteness(s Subject, _ Words) (string, float64, string) {
	a := s.Analysis
	present := 0
	if a.Prediction.Outcome != "" || a.Prediction.Reasoning != "" {
		present++
	}
	if len(a.Insights) > 0 {
		present++
	}
	if a.Tactical != nil && a.Tactical.Summary != "" {
		present++
	}
	ratio := float64(present) / 3
	return graded(ratio*100, 80, 60), math.Round(ratio * 100), fmt.Sprintf("%d/3 required sections present", present)
}

func checkDataSufficiency(s Subject, _ Words) (string, float64, string) {
	score := 50.0
	if mi := s.Intelligence; mi != nil {
		if mi.Home != nil {
			score += 20
		}
		if mi.Away != nil {
			score += 20
		}
		if mi.Venue != nil {
			score += 10
		}
	}
	return graded(score, 80, 60), score, fmt.Sprintf("Data richness %.0f%%", score)
}

func checkReadability(s Subject, _ Words) (string, float64, string) {
	text := prose(s.Analysis)
	sentences := strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
	sentences = nonBlank(sentences)
	words := strings.Fields(text)
	var perSentence, perWord float64
	if len(sentences) > 0 {
		perSentence = float64(len(words)) / float64(len(sentences))
	}
	if len(words) > 0 {
		chars := 0
		for _, r := range text {
			if !unicode.IsSpace(r) {
				chars++
			}
		}
		perWord = float64(chars) / float64(len(words))
	}

	score := 100.0
	if perSentence > 25 {
		score -= 20
	}
	if perSentence < 8 {
		score -= 10
	}
	if perWord > 7 {
		score -= 15
	}
	result := Pass
	if score < 70 {
		result = Warning
	}
	return result, score, fmt.Sprintf("%.0f words per sentence, %.1f characters per word", perSentence, perWord)
}

func checkBrandConsistency(s Subject, w Words) (string, float64, string) {
	found := matchWords(prose(s.Analysis), w.Informal)
	if len(found) == 0 {
		return Pass, 100, "Professional tone maintained"
	}
	return Warning, math.Max(60, 100-20*float64(len(found))), "Informal language: " + strings.Join(found, ", ")
}

// graded maps a score to pass at or above pass, warning at or above warn,
// fail below.
func graded(score, pass, warn float64) string {
	switch {
	case score >= pass:
		return Pass
	case score >= warn:
		return Warning
	default:
		return Fail
	}
}

// matchWords returns the listed words that appear as whole words in text.
func matchWords(text string, list []string) []string {
	present := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}) {
		present[w] = true
	}
	var found []string
	for _, w := range list {
		if present[strings.ToLower(w)] {
			found = append(found, w)
		}
	}
	return found
}

func nonBlank(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// Scores are the per-category and weighted overall scores, 0 to 100.
type Scores struct {
	Overall      float64
	Safety       float64
	Accuracy     float64
	Completeness float64
	Style        float64
}

// Weighted combines category scores 0.4 safety, 0.3 accuracy,
// 0.2 completeness and 0.1 style.
func Weighted(safety, accuracy, completeness, style float64) float64 {
	return math.Round(0.4*safety + 0.3*accuracy + 0.2*completeness + 0.1*style)
}

// Score averages each category's checks (100 for an empty category) and
// weights them into the overall score.
func Score(results []database.CheckResult) Scores {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range results {
		sums[r.Category] += r.Score
		counts[r.Category]++
	}
	mean := func(cat string) float64 {
		if counts[cat] == 0 {
			return 100
		}
		return sums[cat] / float64(counts[cat])
	}
	s := Scores{
		Safety:       mean(Safety),
		Accuracy:     mean(Accuracy),
		Completeness: mean(Completeness),
		Style:        mean(Style),
	}
	s.Overall = Weighted(s.Safety, s.Accuracy, s.Completeness, s.Style)
	s.Safety = math.Round(s.Safety)
	s.Accuracy = math.Round(s.Accuracy)
	s.Completeness = math.Round(s.Completeness)
	s.Style = math.Round(s.Style)
	return s
}

// Decide turns check results and scores into a validation status and
// reason. Any failed critical check rejects regardless of score.
func Decide(results []database.CheckResult, s Scores) (status, reason string) {
	var critical []string
	for _, r := range results {
		if r.Result == Fail && r.Severity == Critical {
			critical = append(critical, r.ID)
		}
	}
	switch {
	case len(critical) > 0:
		return database.ValidationRejected, "Critical failures: " + strings.Join(critical, ", ")
	case s.Overall >= 85 && s.Safety >= 90:
		return database.ValidationApproved, fmt.Sprintf("High quality score: %.0f%%", s.Overall)
	case s.Overall >= 70:
		return database.ValidationNeedsReview, fmt.Sprintf("Moderate quality score: %.0f%%", s.Overall)
	default:
		return database.ValidationRejected, fmt.Sprintf("Low quality score: %.0f%%", s.Overall)
	}
}

// Issues lists failed checks of each severity.
func Issues(results []database.CheckResult) (critical, major, minor []string) {
	for _, r := range results {
		if r.Result != Fail {
			continue
		}
		line := r.ID + ": " + r.Message
		switch r.Severity {
		case Critical:
			critical = append(critical, line)
		case Major:
			major = append(major, line)
		default:
			minor = append(minor, line)
		}
	}
	return critical, major, minor
}
