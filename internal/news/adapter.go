package news

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// Source names a news feed family.
type Source string

const (
	SourceRSS      Source = "rss"
	SourceGuardian Source = "guardian"
	SourceReddit   Source = "reddit"
)

// Query is what an adapter is asked to collect.
type Query struct {
	Teams    []string
	Keywords []string
	Limit    int
	Since    time.Time
}

// Terms returns teams followed by keywords.
func (q Query) Terms() []string {
	return append(append([]string{}, q.Teams...), q.Keywords...)
}

// RawArticle is an article as an adapter found it, before scoring.
type RawArticle struct {
	Title       string
	Content     string
	URL         string
	Author      string
	SourceName  string
	PublishedAt time.Time
	// Engagement is the upvote score for community sources.
	Engagement int
}

// Adapter collects articles from one source.
type Adapter interface {
	Source() Source
	Collect(ctx context.Context, q Query) ([]RawArticle, error)
}

// Lexicon drives the word-count sentiment score.
type Lexicon struct {
	Positive []string
	Negative []string
}

var defaultLexicon = Lexicon{
	Positive: []string{"win", "success", "positive", "boost", "confident"},
	Negative: []string{"lose", "injury", "concern", "doubt", "problem"},
}

func (l Lexicon) withDefaults() Lexicon {
	if len(l.Positive) == 0 {
		l.Positive = defaultLexicon.Positive
	}
	if len(l.Negative) == 0 {
		l.Negative = defaultLexicon.Negative
	}
	return l
}

type weights struct {
	teamTitle, teamBody       float64
	keywordTitle, keywordBody float64
}

var (
	standardWeights = weights{teamTitle: 0.3, teamBody: 0.2, keywordTitle: 0.2, keywordBody: 0.1}
	guardianWeights = weights{teamTitle: 0.4, teamBody: 0.3, keywordTitle: 0.2, keywordBody: 0.1}
)

// Relevance scores an article against the fixture's teams and keywords,
// capped at 1. Guardian articles weigh team mentions higher and carry a
// quality bonus; Reddit posts earn a bonus for engagement.
func Relevance(src Source, a RawArticle, teams, keywords []string) float64 {
	w := standardWeights
	if src == SourceGuardian {
		w = guardianWeights
	}
	title := strings.ToLower(a.Title)
	body := strings.ToLower(a.Content)

	score := 0.0
	for _, t := range teams {
		t = strings.ToLower(t)
		if strings.Contains(title, t) {
			score += w.teamTitle
		}
		if strings.Contains(body, t) {
			score += w.teamBody
		}
	}
	for _, k := range keywords {
		k = strings.ToLower(k)
		if strings.Contains(title, k) {
			score += w.keywordTitle
		}
		if strings.Contains(body, k) {
			score += w.keywordBody
		}
	}

	switch src {
	case SourceGuardian:
		score += 0.3
	case SourceReddit:
		if a.Engagement > 100 {
			score += 0.2
		}
		if a.Engagement > 500 {
			score += 0.3
		}
	}
	return min(score, 1)
}

// Sentiment moves 0.1 per positive or negative lexicon word, clipped to
// [-1, 1].
func Sentiment(text string, lex Lexicon) float64 {
	pos := wordSet(lex.Positive)
	neg := wordSet(lex.Negative)
	score := 0.0
	for _, w := range words(text) {
		if _, ok := pos[w]; ok {
			score += 0.1
		}
		if _, ok := neg[w]; ok {
			score -= 0.1
		}
	}
	return max(-1, min(1, score))
}

// ContentHash identifies an article by its normalised title and body.
func ContentHash(title, content string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(title+" "+content)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// Mentioned returns the terms that appear in text, case-insensitively.
func Mentioned(text string, terms []string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, t := range terms {
		if strings.Contains(lower, strings.ToLower(t)) {
			out = append(out, t)
		}
	}
	return out
}

// HasQuotes reports whether the text carries quoted speech.
func HasQuotes(text string) bool {
	return strings.ContainsAny(text, "\"“”")
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

func wordSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, w := range list {
		set[strings.ToLower(w)] = struct{}{}
	}
	return set
}
