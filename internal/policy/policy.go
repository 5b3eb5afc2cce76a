// Package policy decides which agent runs next in a cycle and when the
// cycle terminates. The routing rules are fixed code; only the intent
// keyword sets are configuration.
package policy

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/agents"
)

// Intent classes.
const (
	IntentGeneral       = "general"
	IntentScheduleRisk  = "schedule_risk"
	IntentPoliticalRisk = "political_risk"
)

// Keywords holds the phrase lists for the two analysis intents. Anything
// matching neither is general.
type Keywords struct {
	ScheduleRisk  []string `yaml:"schedule_risk"`
	PoliticalRisk []string `yaml:"political_risk"`
}

// DefaultKeywords covers the common phrasings for both analyses.
func DefaultKeywords() Keywords {
	return Keywords{
		ScheduleRisk: []string{
			"schedule", "delay", "delays", "delayed", "late", "slip",
			"slippage", "delivery", "deliveries", "forecast", "equipment",
		},
		PoliticalRisk: []string{
			"political", "politics", "country risk", "geopolitical",
			"sanction", "sanctions", "unrest", "instability", "election",
		},
	}
}

// Classifier maps a user query to an intent. Keyword sets are swappable at
// runtime for config hot reload.
type Classifier struct {
	mu       sync.RWMutex
	keywords Keywords
	logger   *zap.Logger
}

// NewClassifier builds a classifier with the given keyword sets.
func NewClassifier(kw Keywords, logger *zap.Logger) *Classifier {
	return &Classifier{keywords: kw, logger: logger}
}

// SetKeywords replaces the keyword sets.
func (c *Classifier) SetKeywords(kw Keywords) {
	c.mu.Lock()
	c.keywords = kw
	c.mu.Unlock()
	c.logger.Info("intent keywords reloaded",
		zap.Int("schedule_risk", len(kw.ScheduleRisk)),
		zap.Int("political_risk", len(kw.PoliticalRisk)),
	)
}

// Classify returns the intent for a query. Political keywords are checked
// first so queries like "political risks for delayed equipment" route to the
// full analysis, not the schedule-only one.
func (c *Classifier) Classify(query string) string {
	c.mu.RLock()
	kw := c.keywords
	c.mu.RUnlock()

	q := strings.ToLower(query)
	for _, k := range kw.PoliticalRisk {
		if strings.Contains(q, k) {
			return IntentPoliticalRisk
		}
	}
	for _, k := range kw.ScheduleRisk {
		if strings.Contains(q, k) {
			return IntentScheduleRisk
		}
	}
	return IntentGeneral
}

// Selection implements the deterministic next-agent rules. With the closed
// variant set these admit exactly three routes: [assistant],
// [scheduler, reporting], and [scheduler, political_risk, reporting].
type Selection struct{}

// Select returns the next agent for a session's current route and intent.
// ok is false when the route is complete.
func (Selection) Select(route []agents.Name, intent string) (agents.Name, bool) {
	if len(route) == 0 {
		if intent == IntentScheduleRisk || intent == IntentPoliticalRisk {
			return agents.Scheduler, true
		}
		return agents.Assistant, true
	}

	switch route[len(route)-1] {
	case agents.Assistant:
		return "", false
	case agents.Scheduler:
		if intent == IntentPoliticalRisk {
			return agents.PoliticalRisk, true
		}
		return agents.Reporting, true
	case agents.PoliticalRisk:
		return agents.Reporting, true
	case agents.Reporting:
		return "", false
	}
	return "", false
}

// Termination decides whether a cycle is finished.
type Termination struct{}

// IsTerminal reports whether the cycle ends here: either selection found no
// next agent, or the last invocation failed with no retry budget left (the
// invoker has already exhausted retries by the time the orchestrator sees a
// non-success status).
func (Termination) IsTerminal(route []agents.Name, intent string, lastStatus agents.Status, haveOutput bool) bool {
	if haveOutput && !lastStatus.IsSuccess() {
		return true
	}
	_, ok := Selection{}.Select(route, intent)
	return !ok
}
