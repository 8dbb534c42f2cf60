// Package pipeline wires the six stage modules to one event bus and runs
// them as a single system: lifecycle, health, recovery and metrics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/matchwire/internal/analysis"
	"github.com/TobiSchelling/matchwire/internal/config"
	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/discovery"
	"github.com/TobiSchelling/matchwire/internal/events"
	"github.com/TobiSchelling/matchwire/internal/intelligence"
	"github.com/TobiSchelling/matchwire/internal/news"
	"github.com/TobiSchelling/matchwire/internal/publication"
	"github.com/TobiSchelling/matchwire/internal/quality"
	"github.com/TobiSchelling/matchwire/internal/review"
	"github.com/TobiSchelling/matchwire/internal/rules"
)

// ErrNotRunning is returned by triggers that need a started pipeline.
var ErrNotRunning = errors.New("pipeline is not running")

// Store is the read side the orchestrator reports from.
type Store interface {
	CountByStage() (map[database.Stage]int, error)
}

// Deps are the collaborators of a Pipeline. Every module must already be
// constructed on Bus.
type Deps struct {
	Store        Store
	Bus          *events.Bus
	Rules        *rules.Manager
	Discovery    *discovery.Discovery
	Intelligence *intelligence.Intelligence
	News         *news.Aggregator
	Analysis     *analysis.Analyzer
	Quality      *quality.Controller
	Publication  *publication.Publisher
	Review       *review.Queue

	Config   config.Pipeline
	Registry *prometheus.Registry
	Log      logrus.FieldLogger
	Now      func() time.Time
}

// Pipeline is the orchestrator.
type Pipeline struct {
	store        Store
	bus          *events.Bus
	rules        *rules.Manager
	discovery    *discovery.Discovery
	intelligence *intelligence.Intelligence
	news         *news.Aggregator
	analysis     *analysis.Analyzer
	quality      *quality.Controller
	publication  *publication.Publisher
	review       *review.Queue

	cfg      config.Pipeline
	registry *prometheus.Registry
	metrics  *Metrics
	recovery map[events.Module]Strategy
	now      func() time.Time
	log      logrus.FieldLogger

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	stopReason string
	cron       *cron.Cron
	runCtx     context.Context
	cancel     context.CancelFunc
	restart    *time.Timer
	degraded   bool
}

// New builds the orchestrator and subscribes it to the bus.
func New(d Deps) *Pipeline {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	if d.Config.HealthInterval <= 0 {
		d.Config.HealthInterval = 5 * time.Minute
	}
	if d.Config.MetricsInterval <= 0 {
		d.Config.MetricsInterval = 15 * time.Minute
	}
	if d.Config.DiscoveryRestartDelay <= 0 {
		d.Config.DiscoveryRestartDelay = time.Minute
	}
	p := &Pipeline{
		store:        d.Store,
		bus:          d.Bus,
		rules:        d.Rules,
		discovery:    d.Discovery,
		intelligence: d.Intelligence,
		news:         d.News,
		analysis:     d.Analysis,
		quality:      d.Quality,
		publication:  d.Publication,
		review:       d.Review,
		cfg:          d.Config,
		registry:     d.Registry,
		metrics:      MustNewMetrics(d.Registry),
		now:          d.Now,
		log:          d.Log.WithField("module", events.ModuleOrchestrator),
	}
	p.recovery = p.recoveryTable()

	for _, t := range events.Types {
		p.bus.Subscribe(t, events.ModuleOrchestrator, p.countEvent)
	}
	p.bus.Subscribe(events.SystemError, events.ModuleOrchestrator, p.onSystemError)
	p.bus.Subscribe(events.ContentPublished, events.ModuleOrchestrator, p.onPublished)
	return p
}

// Gatherer exposes the pipeline's Prometheus registry.
func (p *Pipeline) Gatherer() prometheus.Gatherer { return p.registry }

// Bus returns the event bus.
func (p *Pipeline) Bus() *events.Bus { return p.bus }

// Rules returns the competition rule manager.
func (p *Pipeline) Rules() *rules.Manager { return p.rules }

// Review returns the manual review queue.
func (p *Pipeline) Review() *review.Queue { return p.review }

// Publication returns the publication module.
func (p *Pipeline) Publication() *publication.Publisher { return p.publication }

// Discovery returns the discovery module.
func (p *Pipeline) Discovery() *discovery.Discovery { return p.discovery }

// Start re-arms scheduled publications, starts every worker, starts
// discovery and schedules the health and metrics timers.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Unlock()

	p.log.Info("Starting pipeline")
	if err := p.publication.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("starting publication: %w", err)
	}
	p.intelligence.Start(runCtx)
	p.news.Start(runCtx)
	p.analysis.Start(runCtx)
	p.quality.Start(runCtx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(p.log))))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", p.cfg.HealthInterval), func() { p.healthTick(runCtx) }); err != nil {
		p.stopModules()
		cancel()
		return fmt.Errorf("scheduling health check: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", p.cfg.MetricsInterval), func() { p.metricsTick(runCtx) }); err != nil {
		p.stopModules()
		cancel()
		return fmt.Errorf("scheduling metrics: %w", err)
	}

	p.mu.Lock()
	p.running = true
	p.startedAt = p.now()
	p.stopReason = ""
	p.runCtx = runCtx
	p.cancel = cancel
	p.cron = c
	p.mu.Unlock()

	if err := p.discovery.Start(runCtx); err != nil {
		p.Stop()
		return fmt.Errorf("starting discovery: %w", err)
	}
	c.Start()
	p.log.Info("Pipeline started")
	return nil
}

// Stop halts timers, discovery and every worker.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	c, cancel, restart := p.cron, p.cancel, p.restart
	p.cron, p.cancel, p.restart = nil, nil, nil
	p.mu.Unlock()

	p.log.Info("Stopping pipeline")
	if restart != nil {
		restart.Stop()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	p.stopModules()
	cancel()
	p.log.Info("Pipeline stopped")
}

func (p *Pipeline) stopModules() {
	p.discovery.Stop()
	p.intelligence.Stop()
	p.news.Stop()
	p.analysis.Stop()
	p.quality.Stop()
	p.publication.Stop()
}

// EmergencyStop stops everything and records why.
func (p *Pipeline) EmergencyStop(reason string) {
	p.log.WithField("reason", reason).Error("Emergency stop")
	p.Stop()
	p.mu.Lock()
	p.stopReason = reason
	p.mu.Unlock()
}

// Running reports whether the pipeline is started.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// TriggerDiscovery runs a discovery cycle now.
func (p *Pipeline) TriggerDiscovery(ctx context.Context) (discovery.CycleResult, error) {
	if !p.Running() {
		return discovery.CycleResult{}, ErrNotRunning
	}
	return p.discovery.TriggerDiscovery(ctx)
}

// TriggerAnalysis queues an analysis for a fixture.
func (p *Pipeline) TriggerAnalysis(ctx context.Context, fixtureID string) error {
	return p.analysis.TriggerAnalysis(ctx, fixtureID)
}

// TriggerPublication queues a manual publication for a fixture.
func (p *Pipeline) TriggerPublication(ctx context.Context, fixtureID, actor string) error {
	return p.publication.TriggerPublication(ctx, fixtureID, actor)
}

func (p *Pipeline) healthTick(ctx context.Context) {
	h := p.CheckHealth()
	log := p.log.WithFields(logrus.Fields{"status": h.Status, "percent": h.Percent})
	if h.Status == Healthy {
		log.Debug("Health check")
	} else {
		log.Warn("Health check")
	}
	if n, err := p.review.ExpireStale(ctx, p.now()); err != nil {
		p.log.WithError(err).Error("Expiring review items failed")
	} else if n > 0 {
		p.log.WithField("expired", n).Info("Expired review items")
	}
}

func (p *Pipeline) metricsTick(ctx context.Context) {
	m, err := p.Metrics(ctx)
	if err != nil {
		p.log.WithError(err).Error("Collecting metrics failed")
		return
	}
	p.log.WithFields(logrus.Fields{
		"discovered_today": m.DiscoveredToday,
		"published_today":  m.PublishedToday,
		"success_rate":     m.SuccessRate,
		"error_rate":       m.ErrorRate,
	}).Info("Pipeline metrics")
}

// StatusReport is the pipeline's current state.
type StatusReport struct {
	Running    bool                   `json:"running"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	Uptime     string                 `json:"uptime,omitempty"`
	StopReason string                 `json:"stop_reason,omitempty"`
	Health     Health                 `json:"health"`
	Queues     map[string]int         `json:"queues"`
	Stages     map[database.Stage]int `json:"stages"`
}

// Status reports lifecycle, health, queue depths and fixtures per stage.
func (p *Pipeline) Status() (StatusReport, error) {
	p.mu.Lock()
	s := StatusReport{Running: p.running, StopReason: p.stopReason}
	if p.running {
		t := p.startedAt
		s.StartedAt = &t
		s.Uptime = p.now().Sub(t).Round(time.Second).String()
	}
	p.mu.Unlock()

	s.Health = p.CheckHealth()
	s.Queues = p.queueDepths()
	stages, err := p.store.CountByStage()
	if err != nil {
		return s, err
	}
	s.Stages = stages
	return s, nil
}

func (p *Pipeline) queueDepths() map[string]int {
	pub, _ := p.publication.Stats(p.now())
	return map[string]int{
		events.ModuleIntelligence.String(): p.intelligence.Stats().QueueSize,
		events.ModuleAnalysis.String():     p.analysis.Stats().QueueSize,
		events.ModuleNews.String():         p.newsQueue(),
		events.ModuleQuality.String():      p.qualityQueue(),
		events.ModulePublication.String():  pub.QueueSize,
	}
}

func (p *Pipeline) newsQueue() int {
	s, _ := p.news.Stats()
	return s.QueueSize
}

func (p *Pipeline) qualityQueue() int {
	s, _ := p.quality.Stats()
	return s.QueueSize
}

// Idle reports whether every worker has drained its queue.
func (p *Pipeline) Idle() bool {
	return p.intelligence.Idle() && p.news.Idle() && p.analysis.Idle() &&
		p.quality.Idle() && p.publication.Idle()
}

// FlowStep describes one stage of the event graph.
type FlowStep struct {
	Module   events.Module `json:"module"`
	Triggers []events.Type `json:"triggers"`
	Emits    []events.Type `json:"emits"`
	Queue    int           `json:"queue"`
}

// Flow returns the stage graph with live queue depths.
func (p *Pipeline) Flow() []FlowStep {
	q := p.queueDepths()
	return []FlowStep{
		{Module: events.ModuleDiscovery, Emits: []events.Type{events.MatchDiscovered}},
		{Module: events.ModuleIntelligence, Triggers: []events.Type{events.MatchDiscovered},
			Emits: []events.Type{events.MatchEnriched}, Queue: q[events.ModuleIntelligence.String()]},
		{Module: events.ModuleNews, Triggers: []events.Type{events.MatchEnriched},
			Emits: []events.Type{events.NewsCollected}, Queue: q[events.ModuleNews.String()]},
		{Module: events.ModuleAnalysis, Triggers: []events.Type{events.MatchEnriched, events.NewsCollected},
			Emits: []events.Type{events.AnalysisCompleted}, Queue: q[events.ModuleAnalysis.String()]},
		{Module: events.ModuleQuality, Triggers: []events.Type{events.AnalysisCompleted},
			Emits: []events.Type{events.ContentValidated, events.ContentRejected}, Queue: q[events.ModuleQuality.String()]},
		{Module: events.ModuleReview, Triggers: []events.Type{events.ContentValidated},
			Emits: []events.Type{events.ContentRejected}},
		{Module: events.ModulePublication, Triggers: []events.Type{events.ContentValidated},
			Emits: []events.Type{events.ContentPublished, events.ContentRejected}, Queue: q[events.ModulePublication.String()]},
	}
}
