package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/matchwire/internal/analysis"
	"github.com/TobiSchelling/matchwire/internal/discovery"
	"github.com/TobiSchelling/matchwire/internal/events"
	"github.com/TobiSchelling/matchwire/internal/intelligence"
	"github.com/TobiSchelling/matchwire/internal/news"
	"github.com/TobiSchelling/matchwire/internal/publication"
	"github.com/TobiSchelling/matchwire/internal/quality"
	"github.com/TobiSchelling/matchwire/internal/review"
	"github.com/TobiSchelling/matchwire/internal/rules"
)

// Metrics holds the Prometheus collectors the orchestrator maintains.
type Metrics struct {
	events     *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	health     prometheus.Gauge
	recoveries *prometheus.CounterVec
}

// MustNewMetrics registers the orchestrator collectors on reg. Collectors
// already present on reg are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchwire",
			Name:      "events_total",
			Help:      "Events published on the pipeline bus.",
		}, []string{"type"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "matchwire",
			Name:      "queue_depth",
			Help:      "Items waiting in each module queue at the last health check.",
		}, []string{"module"}),
		health: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matchwire",
			Name:      "pipeline_health_percent",
			Help:      "Share of module probes passing at the last health check.",
		}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchwire",
			Name:      "recoveries_total",
			Help:      "Recovery strategies applied after module errors.",
		}, []string{"module", "action"}),
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}
	m.events = register(m.events).(*prometheus.CounterVec)
	m.queueDepth = register(m.queueDepth).(*prometheus.GaugeVec)
	m.health = register(m.health).(prometheus.Gauge)
	m.recoveries = register(m.recoveries).(*prometheus.CounterVec)
	return m
}

func (m *Metrics) incEvent(t events.Type) {
	m.events.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) setQueues(depths map[string]int) {
	for module, n := range depths {
		m.queueDepth.WithLabelValues(module).Set(float64(n))
	}
}

func (m *Metrics) setHealth(percent float64) {
	m.health.Set(percent)
}

func (m *Metrics) incRecovery(module events.Module, action string) {
	m.recoveries.WithLabelValues(module.String(), action).Inc()
}

func (p *Pipeline) countEvent(_ context.Context, evt events.Event) error {
	p.metrics.incEvent(evt.Type)
	return nil
}

// ModuleStats groups the per-module snapshots.
type ModuleStats struct {
	Discovery    discovery.Stats    `json:"discovery"`
	Intelligence intelligence.Stats `json:"intelligence"`
	News         news.Stats         `json:"news"`
	Analysis     analysis.Stats     `json:"analysis"`
	Quality      quality.Stats      `json:"quality"`
	Publication  publication.Stats  `json:"publication"`
	Review       review.Stats       `json:"review"`
}

// Snapshot is the orchestrator's metrics report.
type Snapshot struct {
	CollectedAt     time.Time    `json:"collected_at"`
	DiscoveredToday int          `json:"matches_discovered_today"`
	PublishedToday  int          `json:"matches_published_today"`
	SuccessRate     float64      `json:"success_rate"`
	ErrorRate       float64      `json:"error_rate"`
	Modules         ModuleStats  `json:"modules"`
	Rules           rules.Stats  `json:"rules"`
	Events          events.Stats `json:"events"`
	LastSuccess     *time.Time   `json:"last_successful_completion,omitempty"`
}

// Metrics gathers every module's stats in parallel and derives the
// pipeline-level rates.
func (p *Pipeline) Metrics(ctx context.Context) (Snapshot, error) {
	now := p.now()
	s := Snapshot{CollectedAt: now}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		s.Modules.Discovery, err = p.discovery.Stats()
		return err
	})
	g.Go(func() (err error) {
		s.Modules.News, err = p.news.Stats()
		return err
	})
	g.Go(func() (err error) {
		s.Modules.Quality, err = p.quality.Stats()
		return err
	})
	g.Go(func() (err error) {
		s.Modules.Publication, err = p.publication.Stats(now)
		return err
	})
	g.Go(func() (err error) {
		s.Modules.Review, err = p.review.Stats()
		return err
	})
	s.Modules.Intelligence = p.intelligence.Stats()
	s.Modules.Analysis = p.analysis.Stats()
	s.Rules = p.rules.Stats()
	s.Events = p.bus.Stats(now)
	if err := g.Wait(); err != nil {
		return s, err
	}

	s.DiscoveredToday = s.Modules.Discovery.DiscoveredToday
	s.PublishedToday = s.Modules.Publication.Published
	if s.DiscoveredToday > 0 {
		s.SuccessRate = float64(s.PublishedToday) / float64(s.DiscoveredToday)
	}
	if s.Events.LastHour > 0 {
		s.ErrorRate = float64(s.Events.ErrorsLastHour) / float64(s.Events.LastHour)
	}
	if last := p.bus.History(events.ContentPublished, 1); len(last) == 1 {
		t := last[0].Timestamp
		s.LastSuccess = &t
	}
	return s, nil
}
