// Package events carries the pipeline's event taxonomy and the in-process
// bus every module publishes to and subscribes on.
package events

import (
	"fmt"
	"strings"
	"time"
)

// Type names a kind of pipeline event.
type Type string

const (
	MatchDiscovered   Type = "match.discovered"
	MatchEnriched     Type = "match.enriched"
	NewsCollected     Type = "news.collected"
	AnalysisCompleted Type = "analysis.completed"
	ContentValidated  Type = "content.validated"
	ContentPublished  Type = "content.published"
	ContentRejected   Type = "content.rejected"
	SystemError       Type = "system.error"
)

// Types lists every event type in pipeline order.
var Types = []Type{
	MatchDiscovered, MatchEnriched, NewsCollected, AnalysisCompleted,
	ContentValidated, ContentPublished, ContentRejected, SystemError,
}

// Module identifies the component that emitted an event.
type Module int

const (
	ModuleUnknown Module = iota
	ModuleDiscovery
	ModuleIntelligence
	ModuleNews
	ModuleAnalysis
	ModuleQuality
	ModulePublication
	ModuleReview
	ModuleOrchestrator
)

var moduleNames = map[Module]string{
	ModuleUnknown:      "unknown",
	ModuleDiscovery:    "discovery",
	ModuleIntelligence: "intelligence",
	ModuleNews:         "news",
	ModuleAnalysis:     "analysis",
	ModuleQuality:      "quality",
	ModulePublication:  "publication",
	ModuleReview:       "review",
	ModuleOrchestrator: "orchestrator",
}

func (m Module) String() string {
	if name, ok := moduleNames[m]; ok {
		return name
	}
	return fmt.Sprintf("module(%d)", int(m))
}

// MarshalText renders the module by name in JSON and logs.
func (m Module) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseModule maps a module name back to its identifier.
func ParseModule(name string) Module {
	for m, n := range moduleNames {
		if strings.EqualFold(n, name) {
			return m
		}
	}
	return ModuleUnknown
}

// Event is one immutable message on the bus.
type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Source        Module    `json:"source"`
	CorrelationID string    `json:"correlation_id"`
	Data          any       `json:"data"`
}

// CorrelationFor returns the correlation id that threads every event of
// one fixture through the pipeline.
func CorrelationFor(fixtureID string) string {
	return "fixture:" + fixtureID
}
