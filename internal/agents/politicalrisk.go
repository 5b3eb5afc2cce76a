package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/websearch"
)

// Searcher is the slice of the web search client the political risk agent
// needs.
type Searcher interface {
	Search(ctx context.Context, query string) ([]websearch.Result, error)
}

// PoliticalRiskCapability researches political conditions in the countries
// the scheduler flagged, citing its sources.
type PoliticalRiskCapability struct {
	searcher Searcher
	logger   *zap.Logger
}

// NewPoliticalRisk builds the political risk capability.
func NewPoliticalRisk(searcher Searcher, logger *zap.Logger) *PoliticalRiskCapability {
	return &PoliticalRiskCapability{searcher: searcher, logger: logger}
}

func (p *PoliticalRiskCapability) Name() Name { return PoliticalRisk }

func (p *PoliticalRiskCapability) Execute(ctx context.Context, in Input) (*Output, error) {
	query, countries := p.resolveQuery(in)
	if query == "" {
		return nil, fmt.Errorf("%w: no political query derivable from input", ErrBadInput)
	}

	results, err := p.searcher.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("political risk search: %w", err)
	}

	payload := PoliticalRiskPayload{
		Query:     query,
		Countries: countries,
		Citations: citationsFromResults(results),
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode political risk payload: %w", err)
	}

	p.logger.Info("political risk research complete",
		zap.String("session_id", in.SessionID),
		zap.Int("citations", len(payload.Citations)),
	)
	return &Output{
		Text:    renderPoliticalText(payload),
		Payload: raw,
	}, nil
}

// resolveQuery prefers the scheduler's derived political query; without one
// it falls back to the user's own question.
func (p *PoliticalRiskCapability) resolveQuery(in Input) (string, []string) {
	var sched SchedulePayload
	ok, err := in.ScratchPayload(Scheduler, &sched)
	if err != nil {
		p.logger.Warn("unreadable scheduler context, falling back to user query", zap.Error(err))
	}
	if ok && err == nil && sched.SearchQuery.Political != "" {
		countries := map[string]struct{}{}
		for _, it := range sched.Items {
			if it.Country != "" {
				countries[it.Country] = struct{}{}
			}
		}
		return sched.SearchQuery.Political, sortedKeys(countries)
	}
	return strings.TrimSpace(in.Query), nil
}

func renderPoliticalText(p PoliticalRiskPayload) string {
	var b strings.Builder
	if len(p.Countries) > 0 {
		fmt.Fprintf(&b, "Political risk findings for %s:\n", strings.Join(p.Countries, ", "))
	} else {
		b.WriteString("Political risk findings:\n")
	}
	if len(p.Citations) == 0 {
		b.WriteString("No relevant sources found for the current query.\n")
		return b.String()
	}
	for _, c := range p.Citations {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", c.Title, c.Snippet, c.SourceURL)
	}
	return b.String()
}
