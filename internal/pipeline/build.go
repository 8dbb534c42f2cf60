package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/matchwire/internal/analysis"
	"github.com/TobiSchelling/matchwire/internal/config"
	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/discovery"
	"github.com/TobiSchelling/matchwire/internal/events"
	"github.com/TobiSchelling/matchwire/internal/intelligence"
	"github.com/TobiSchelling/matchwire/internal/llm"
	"github.com/TobiSchelling/matchwire/internal/news"
	"github.com/TobiSchelling/matchwire/internal/publication"
	"github.com/TobiSchelling/matchwire/internal/quality"
	"github.com/TobiSchelling/matchwire/internal/review"
	"github.com/TobiSchelling/matchwire/internal/rules"
)

// Build constructs every module from cfg on top of db and returns the
// orchestrator that owns them.
func Build(ctx context.Context, cfg *config.Config, db *database.DB, log logrus.FieldLogger) (*Pipeline, error) {
	rm, err := rules.NewManager(cfg.Competitions)
	if err != nil {
		return nil, fmt.Errorf("loading competition rules: %w", err)
	}
	gen := selectGenerator(ctx, cfg.Analysis, log)
	return Assemble(db, rm, gen, news.AdaptersFromConfig(cfg.News, log), cfg, log, time.Now), nil
}

// Assemble wires modules around explicit collaborators. Tests use it to
// inject a generator, news adapters and a clock.
func Assemble(db *database.DB, rm *rules.Manager, gen analysis.Generator, adapters []news.Adapter,
	cfg *config.Config, log logrus.FieldLogger, now func() time.Time) *Pipeline {
	pc := cfg.Pipeline
	bus := events.NewBus(log, events.WithHistorySize(pc.EventHistory), events.WithClock(now))

	disc := discovery.New(db, rm, bus, discovery.Config{
		Interval:  pc.DiscoveryInterval,
		LookAhead: pc.LookAhead,
	}, log, discovery.WithClock(now))

	ic := cfg.Intelligence
	intel := intelligence.New(db, intelligence.NewStoreSource(db, ic.Teams, ic.FormWindow), bus, intelligence.Config{
		Delay: pc.IntelligenceDelay,
		ContextRules: intelligence.ContextRules{
			Rivalries:       ic.Rivalries,
			LeagueTiers:     ic.LeagueTiers,
			LeagueCountries: ic.LeagueCountries,
		},
	}, log, intelligence.WithClock(now))

	agg := news.New(db, rm, bus, adapters, news.Config{
		Delay:   pc.NewsDelay,
		Lexicon: news.Lexicon{Positive: cfg.News.Lexicon.Positive, Negative: cfg.News.Lexicon.Negative},
	}, log, news.WithClock(now))

	an := analysis.New(db, rm, bus, gen, analysis.Config{Concurrency: pc.AnalysisConcurrency}, log, analysis.WithClock(now))

	qc := quality.New(db, rm, bus, quality.Config{
		Delay: pc.QualityDelay,
		Words: quality.Words{Profanity: cfg.Quality.ProfanityWords, Informal: cfg.Quality.InformalWords},
	}, log, quality.WithClock(now))

	pub := publication.New(db, rm, bus, publication.Config{Delay: pc.PublicationDelay}, log, publication.WithClock(now))

	rq := review.New(db, pub, bus, review.Config{
		Expiry:        cfg.Review.Expiry,
		KickoffBuffer: cfg.Review.KickoffBuffer,
	}, log, review.WithClock(now))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return New(Deps{
		Store:        db,
		Bus:          bus,
		Rules:        rm,
		Discovery:    disc,
		Intelligence: intel,
		News:         agg,
		Analysis:     an,
		Quality:      qc,
		Publication:  pub,
		Review:       rq,
		Config:       pc,
		Registry:     reg,
		Log:          log,
		Now:          now,
	})
}

// selectGenerator returns the LLM generator when configured and reachable,
// and the deterministic stats generator otherwise.
func selectGenerator(ctx context.Context, cfg config.Analysis, log logrus.FieldLogger) analysis.Generator {
	if cfg.Generator != "llm" {
		return analysis.StatsGenerator{}
	}
	provider, err := llm.CreateProvider(ctx, cfg.LLM, log)
	if err != nil {
		log.WithError(err).Warn("No LLM provider available, using stats generator")
		return analysis.StatsGenerator{}
	}
	return analysis.NewLLMGenerator(provider, cfg.LLM.MaxTokens)
}
