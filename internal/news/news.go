// Package news gathers and scores articles about enriched fixtures from
// pluggable source adapters.
package news

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/events"
	"github.com/TobiSchelling/matchwire/internal/queue"
	"github.com/TobiSchelling/matchwire/internal/rules"
)

// ErrFixtureNotFound is returned when a queued fixture has vanished.
var ErrFixtureNotFound = errors.New("fixture not found")

const (
	lookBack     = 7 * 24 * time.Hour
	seenCacheTTL = 24 * time.Hour
	seenCacheMax = 4096
	noAdapterErr = "no adapter configured"
)

// Store is the persistence the module needs.
type Store interface {
	GetFixture(id string) (*database.Fixture, error)
	InsertNewsArticle(a database.NewsArticle) (bool, error)
	SetStage(id string, stage database.Stage) error
	CountArticlesSince(since time.Time) (int, error)
}

// Request is one queued collection job.
type Request struct {
	FixtureID    string
	Teams        []string
	Keywords     []string
	Sources      []Source
	MaxPerSource int
	MinRelevance float64
}

// Result summarises one collection job.
type Result struct {
	FixtureID  string
	Collected  map[Source]int
	Filtered   map[Source]int
	Duplicates int
	Stored     int
	Errors     map[Source]string
	Articles   []database.NewsArticle
}

// Config tunes the module.
type Config struct {
	Delay   time.Duration
	Lexicon Lexicon
}

// Aggregator owns the collection queue and its serial worker.
type Aggregator struct {
	store    Store
	rules    *rules.Manager
	bus      *events.Bus
	adapters map[Source]Adapter
	lexicon  Lexicon
	delay    time.Duration
	now      func() time.Time
	log      logrus.FieldLogger

	queue      *queue.FIFO[Request]
	seen       *expirable.LRU[string, struct{}]
	processing atomic.Bool
	sourceErrs atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *time.Time
}

// Option configures the Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates the module and subscribes it to match.enriched.
func New(store Store, rm *rules.Manager, bus *events.Bus, adapters []Adapter, cfg Config, log logrus.FieldLogger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:    store,
		rules:    rm,
		bus:      bus,
		adapters: make(map[Source]Adapter, len(adapters)),
		lexicon:  cfg.Lexicon.withDefaults(),
		delay:    cfg.Delay,
		now:      time.Now,
		log:      log.WithField("module", events.ModuleNews),
		queue:    queue.NewFIFO(func(r Request) string { return r.FixtureID }),
		seen:     expirable.NewLRU[string, struct{}](seenCacheMax, nil, seenCacheTTL),
	}
	for _, ad := range adapters {
		a.adapters[ad.Source()] = ad
	}
	for _, opt := range opts {
		opt(a)
	}
	bus.Subscribe(events.MatchEnriched, events.ModuleNews, a.onEnriched)
	return a
}

func (a *Aggregator) onEnriched(ctx context.Context, evt events.Event) error {
	data, ok := evt.Data.(events.MatchEnrichedData)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Data)
	}
	return a.Enqueue(data.FixtureID, data.RuleID)
}

// Enqueue builds a collection request from the fixture and its rule.
func (a *Aggregator) Enqueue(fixtureID, ruleID string) error {
	f, err := a.store.GetFixture(fixtureID)
	if err != nil {
		return fmt.Errorf("loading fixture: %w", err)
	}
	if f == nil {
		return fmt.Errorf("%w: %s", ErrFixtureNotFound, fixtureID)
	}
	if ruleID == "" && f.RuleID != nil {
		ruleID = *f.RuleID
	}
	rule, ok := a.rules.Get(ruleID)
	if !ok {
		return fmt.Errorf("%w: %q", rules.ErrNoRule, ruleID)
	}

	req := Request{
		FixtureID:    f.ID,
		Teams:        []string{f.HomeTeam, f.AwayTeam},
		Keywords:     rule.News.Keywords,
		MaxPerSource: rule.News.MaxPerSource,
		MinRelevance: rule.News.MinRelevance,
	}
	for _, s := range rule.News.Sources {
		req.Sources = append(req.Sources, Source(s))
	}
	added := a.queue.Push(req)
	a.log.WithFields(logrus.Fields{"fixture_id": f.ID, "queued": added, "queue": a.queue.Len()}).
		Debug("Queued news collection")
	return nil
}

// Start launches the worker.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		queue.Drain(ctx, a.queue, queue.NewLimiter(a.delay), a.handle)
	}(a.done)
	a.log.WithFields(logrus.Fields{"delay": a.delay, "sources": len(a.adapters)}).Info("Started news worker")
}

// Stop halts the worker after the current request.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.log.Info("Stopped news worker")
}

func (a *Aggregator) handle(ctx context.Context, req Request) {
	a.processing.Store(true)
	defer a.processing.Store(false)

	if _, err := a.Process(ctx, req); err != nil {
		a.log.WithError(err).WithField("fixture_id", req.FixtureID).Error("News collection failed")
		a.bus.Emit(ctx, events.SystemError, events.ModuleNews, req.FixtureID, events.SystemErrorData{
			Module:    events.ModuleNews,
			FixtureID: req.FixtureID,
			Trigger:   events.MatchEnriched,
			Error:     err.Error(),
		})
	}
}

// Process collects from every requested source, scores and filters the
// articles, stores the unique ones and announces them. A failing source is
// recorded in the result and the remaining sources still run.
func (a *Aggregator) Process(ctx context.Context, req Request) (*Result, error) {
	now := a.now()
	res := &Result{
		FixtureID: req.FixtureID,
		Collected: make(map[Source]int),
		Filtered:  make(map[Source]int),
		Errors:    make(map[Source]string),
	}
	q := Query{Teams: req.Teams, Keywords: req.Keywords, Limit: req.MaxPerSource, Since: now.Add(-lookBack)}

	var merged []database.NewsArticle
	for _, src := range req.Sources {
		ad, ok := a.adapters[src]
		if !ok {
			res.Errors[src] = noAdapterErr
			continue
		}
		raw, err := ad.Collect(ctx, q)
		if err != nil {
			a.sourceErrs.Add(1)
			res.Errors[src] = err.Error()
			a.log.WithError(err).WithFields(logrus.Fields{"fixture_id": req.FixtureID, "source": src}).
				Warn("Source failed, continuing with partial data")
			continue
		}
		res.Collected[src] = len(raw)

		scored := make([]database.NewsArticle, 0, len(raw))
		for _, r := range raw {
			art := a.score(req, src, r, now)
			if art.Relevance < req.MinRelevance {
				res.Filtered[src]++
				continue
			}
			scored = append(scored, art)
		}
		sort.SliceStable(scored, func(i, j int) bool { return scored[i].Relevance > scored[j].Relevance })
		if req.MaxPerSource > 0 && len(scored) > req.MaxPerSource {
			res.Filtered[src] += len(scored) - req.MaxPerSource
			scored = scored[:req.MaxPerSource]
		}
		merged = append(merged, scored...)
	}

	hashes := make(map[string]struct{}, len(merged))
	for _, art := range merged {
		if _, dup := hashes[art.ContentHash]; dup {
			res.Duplicates++
			continue
		}
		hashes[art.ContentHash] = struct{}{}
		res.Articles = append(res.Articles, art)
	}

	for _, art := range res.Articles {
		key := art.FixtureID + "|" + art.ContentHash
		if a.seen.Contains(key) {
			continue
		}
		inserted, err := a.store.InsertNewsArticle(art)
		if err != nil {
			return res, fmt.Errorf("storing articles: %w", err)
		}
		a.seen.Add(key, struct{}{})
		if inserted {
			res.Stored++
		}
	}

	f, err := a.store.GetFixture(req.FixtureID)
	if err != nil {
		return res, fmt.Errorf("loading fixture: %w", err)
	}
	if f != nil && f.Stage == database.StageEnriched {
		if err := a.store.SetStage(req.FixtureID, database.StageNewsCollected); err != nil {
			return res, fmt.Errorf("updating stage: %w", err)
		}
	}

	a.mu.Lock()
	a.last = &now
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"fixture_id": req.FixtureID,
		"articles":   len(res.Articles),
		"stored":     res.Stored,
		"duplicates": res.Duplicates,
		"errors":     len(res.Errors),
	}).Info("Collected news")

	a.bus.Emit(ctx, events.NewsCollected, events.ModuleNews, req.FixtureID, events.NewsCollectedData{
		FixtureID:    req.FixtureID,
		Articles:     summaries(res.Articles),
		SourceErrors: sourceErrors(res.Errors),
	})
	return res, nil
}

func (a *Aggregator) score(req Request, src Source, r RawArticle, now time.Time) database.NewsArticle {
	text := r.Title + " " + r.Content
	published := r.PublishedAt
	if published.IsZero() {
		published = now
	}
	art := database.NewsArticle{
		ID:              uuid.NewString(),
		FixtureID:       req.FixtureID,
		Source:          string(src),
		SourceName:      r.SourceName,
		Title:           r.Title,
		Content:         r.Content,
		URL:             r.URL,
		PublishedAt:     published,
		CollectedAt:     now,
		TeamsMentioned:  Mentioned(text, req.Teams),
		KeywordsMatched: Mentioned(text, req.Keywords),
		Relevance:       Relevance(src, r, req.Teams, req.Keywords),
		Sentiment:       Sentiment(text, a.lexicon),
		WordCount:       len(strings.Fields(r.Content)),
		HasQuotes:       HasQuotes(r.Content),
		ContentHash:     ContentHash(r.Title, r.Content),
	}
	if r.Author != "" {
		author := r.Author
		art.Author = &author
	}
	return art
}

func summaries(articles []database.NewsArticle) []events.ArticleSummary {
	out := make([]events.ArticleSummary, len(articles))
	for i, a := range articles {
		out[i] = events.ArticleSummary{
			ID:          a.ID,
			Title:       a.Title,
			Content:     a.Content,
			Source:      a.Source,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
			Relevance:   a.Relevance,
		}
	}
	return out
}

func sourceErrors(errs map[Source]string) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(errs))
	for s, e := range errs {
		out[string(s)] = e
	}
	return out
}

// Sources lists the configured adapters.
func (a *Aggregator) Sources() []Source {
	out := make([]Source, 0, len(a.adapters))
	for s := range a.adapters {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Stats describes the module's queue and throughput.
type Stats struct {
	QueueSize       int        `json:"queue_size"`
	Processing      bool       `json:"processing"`
	CollectedToday  int        `json:"articles_collected_today"`
	SourceErrors    int64      `json:"source_errors"`
	Sources         []Source   `json:"sources"`
	LastCollectedAt *time.Time `json:"last_collected_at,omitempty"`
}

// Stats returns a snapshot of the module's activity.
func (a *Aggregator) Stats() (Stats, error) {
	s := Stats{
		QueueSize:    a.queue.Len(),
		Processing:   a.processing.Load(),
		SourceErrors: a.sourceErrs.Load(),
		Sources:      a.Sources(),
	}
	a.mu.Lock()
	if a.last != nil {
		t := *a.last
		s.LastCollectedAt = &t
	}
	a.mu.Unlock()

	today, err := a.store.CountArticlesSince(a.now().UTC().Truncate(24 * time.Hour))
	if err != nil {
		return s, err
	}
	s.CollectedToday = today
	return s, nil
}

// Idle reports whether nothing is queued or in flight.
func (a *Aggregator) Idle() bool {
	return a.queue.Len() == 0 && !a.processing.Load()
}
