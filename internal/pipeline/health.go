package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/matchwire/internal/events"
)

// Health states.
const (
	Healthy  = "healthy"
	Degraded = "degraded"
	Error    = "error"
)

// Recovery actions.
const (
	ActionRestart = "restart"
	ActionLog     = "log"
	ActionDegrade = "degrade"
)

// Health is the outcome of one health check.
type Health struct {
	Status    string          `json:"status"`
	Percent   float64         `json:"percent"`
	Modules   map[string]bool `json:"modules"`
	Degraded  bool            `json:"publication_degraded,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
}

type probe struct {
	module events.Module
	ok     func() bool
}

func (p *Pipeline) probes() []probe {
	now := p.now()
	return []probe{
		{events.ModuleDiscovery, p.discovery.Running},
		{events.ModuleIntelligence, func() bool {
			return p.intelligence.Idle() || p.intelligence.Stats().QueueSize < 10
		}},
		{events.ModuleNews, func() bool {
			return p.news.Idle() || p.newsQueue() < 5
		}},
		{events.ModuleAnalysis, func() bool {
			return p.analysis.Stats().QueueSize < 5
		}},
		{events.ModuleQuality, func() bool {
			return p.quality.Idle() || p.qualityQueue() < 3
		}},
		{events.ModulePublication, func() bool {
			s, err := p.publication.Stats(now)
			return err == nil && s.Failed == 0
		}},
	}
}

// CheckHealth runs every probe and updates the health and queue gauges.
func (p *Pipeline) CheckHealth() Health {
	h := Health{Modules: make(map[string]bool), CheckedAt: p.now()}
	probes := p.probes()
	passed := 0
	for _, pr := range probes {
		ok := pr.ok()
		h.Modules[pr.module.String()] = ok
		if ok {
			passed++
		}
	}
	h.Percent = math.Round(float64(passed) / float64(len(probes)) * 100)
	switch {
	case h.Percent >= 80:
		h.Status = Healthy
	case h.Percent >= 60:
		h.Status = Degraded
	default:
		h.Status = Error
	}

	p.mu.Lock()
	h.Degraded = p.degraded
	if p.degraded && h.Status == Healthy {
		h.Status = Degraded
	}
	p.mu.Unlock()

	p.metrics.setHealth(h.Percent)
	p.metrics.setQueues(p.queueDepths())
	return h
}

// Strategy is how the orchestrator reacts to a module's system.error.
type Strategy struct {
	Action string
	Apply  func(ctx context.Context, data events.SystemErrorData)
}

func (p *Pipeline) recoveryTable() map[events.Module]Strategy {
	logOnly := Strategy{Action: ActionLog, Apply: p.logFailure}
	return map[events.Module]Strategy{
		events.ModuleDiscovery:    {Action: ActionRestart, Apply: p.restartDiscovery},
		events.ModuleIntelligence: logOnly,
		events.ModuleNews:         logOnly,
		events.ModuleAnalysis:     logOnly,
		events.ModuleQuality:      logOnly,
		events.ModulePublication:  {Action: ActionDegrade, Apply: p.degrade},
	}
}

func (p *Pipeline) onSystemError(ctx context.Context, evt events.Event) error {
	data, ok := evt.Data.(events.SystemErrorData)
	if !ok {
		return nil
	}
	strategy, ok := p.recovery[data.Module]
	if !ok {
		strategy = Strategy{Action: ActionLog, Apply: p.logFailure}
	}
	strategy.Apply(ctx, data)
	p.metrics.incRecovery(data.Module, strategy.Action)
	return nil
}

func (p *Pipeline) logFailure(_ context.Context, data events.SystemErrorData) {
	p.log.WithFields(logrus.Fields{
		"failed_module": data.Module,
		"fixture_id":    data.FixtureID,
		"error":         data.Error,
	}).Warn("Module error, continuing")
}

// restartDiscovery restarts discovery after the configured delay, once per
// burst of errors.
func (p *Pipeline) restartDiscovery(_ context.Context, data events.SystemErrorData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.restart != nil {
		return
	}
	p.log.WithFields(logrus.Fields{
		"error": data.Error,
		"delay": p.cfg.DiscoveryRestartDelay,
	}).Warn("Discovery failed, scheduling restart")

	runCtx := p.runCtx
	p.restart = time.AfterFunc(p.cfg.DiscoveryRestartDelay, func() {
		defer func() {
			p.mu.Lock()
			p.restart = nil
			p.mu.Unlock()
		}()
		if !p.Running() {
			return
		}
		p.discovery.Stop()
		if err := p.discovery.Start(runCtx); err != nil {
			p.log.WithError(err).Error("Restarting discovery failed")
			return
		}
		p.log.Info("Discovery restarted")
	})
}

func (p *Pipeline) degrade(_ context.Context, data events.SystemErrorData) {
	p.mu.Lock()
	p.degraded = true
	p.mu.Unlock()
	p.log.WithFields(logrus.Fields{
		"fixture_id": data.FixtureID,
		"error":      data.Error,
	}).Error("Publication failed, health degraded")
}

func (p *Pipeline) onPublished(_ context.Context, _ events.Event) error {
	p.mu.Lock()
	p.degraded = false
	p.mu.Unlock()
	return nil
}
