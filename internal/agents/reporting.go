package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/clock"
	"github.com/exprisk/orchestrator/internal/reports"
)

// ReportSaver is the slice of the report store the reporting agent needs.
type ReportSaver interface {
	Save(ctx context.Context, content string, now time.Time) (*reports.Report, error)
}

// ReportingCapability folds the upstream analyses into a markdown report,
// persists it, and returns its file metadata.
type ReportingCapability struct {
	store  ReportSaver
	clk    clock.Clock
	logger *zap.Logger
}

// NewReporting builds the reporting capability.
func NewReporting(store ReportSaver, clk clock.Clock, logger *zap.Logger) *ReportingCapability {
	return &ReportingCapability{store: store, clk: clk, logger: logger}
}

func (r *ReportingCapability) Name() Name { return Reporting }

func (r *ReportingCapability) Execute(ctx context.Context, in Input) (*Output, error) {
	var sched SchedulePayload
	haveSched, err := in.ScratchPayload(Scheduler, &sched)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	if !haveSched {
		return nil, fmt.Errorf("%w: reporting requires a prior schedule analysis", ErrBadInput)
	}

	var political PoliticalRiskPayload
	havePolitical, err := in.ScratchPayload(PoliticalRisk, &political)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
	}

	now := r.clk.Now()
	sections := []reports.Section{
		{Title: "Schedule Risk", Body: renderScheduleText(sched)},
	}
	if havePolitical {
		sections = append(sections, reports.Section{
			Title: "Political Risk",
			Body:  renderPoliticalText(political),
		})
	}
	sections = append(sections, reports.Section{
		Title: "Recommended Follow-up Searches",
		Body:  renderSearchQueries(sched.SearchQuery),
	})

	content := reports.Render("Export Risk Report", now, sections)
	saved, err := r.store.Save(ctx, content, now)
	if err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}

	payload := reportPayload(saved)
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode report payload: %w", err)
	}

	r.logger.Info("report generated",
		zap.String("session_id", in.SessionID),
		zap.String("report_id", saved.ID),
		zap.String("filename", saved.Filename),
	)

	var b strings.Builder
	b.WriteString("Report Generated Successfully\n")
	fmt.Fprintf(&b, "Filename: %s\n", saved.Filename)
	fmt.Fprintf(&b, "Report ID: %s\n", saved.ID)
	fmt.Fprintf(&b, "Download: %s\n", saved.DownloadPath())
	return &Output{Text: b.String(), Payload: raw}, nil
}

func renderSearchQueries(q SearchQueries) string {
	if q.Political == "" && q.Tariff == "" && q.Logistics == "" {
		return ""
	}
	var b strings.Builder
	if q.Political != "" {
		fmt.Fprintf(&b, "- Political: %s\n", q.Political)
	}
	if q.Tariff != "" {
		fmt.Fprintf(&b, "- Tariff: %s\n", q.Tariff)
	}
	if q.Logistics != "" {
		fmt.Fprintf(&b, "- Logistics: %s\n", q.Logistics)
	}
	return b.String()
}
