package agents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/clock"
	"github.com/exprisk/orchestrator/internal/reports"
	"github.com/exprisk/orchestrator/internal/scheduledata"
	"github.com/exprisk/orchestrator/internal/websearch"
)

type fakeReader struct {
	items []scheduledata.Item
}

func (f fakeReader) Items(ctx context.Context) ([]scheduledata.Item, error) {
	return f.items, nil
}

func (f fakeReader) RiskSummary(ctx context.Context) (*scheduledata.Summary, error) {
	s := &scheduledata.Summary{TotalItems: len(f.items)}
	for _, it := range f.items {
		v := it.VarianceDays()
		if v > s.MaxVariance {
			s.MaxVariance = v
		}
		switch scheduledata.BucketForVariance(v) {
		case scheduledata.RiskHigh:
			s.HighRisk++
		case scheduledata.RiskMedium:
			s.MediumRisk++
		default:
			s.LowRisk++
		}
	}
	return s, nil
}

type fakeSearcher struct {
	lastQuery string
	results   []websearch.Result
}

func (f *fakeSearcher) Search(ctx context.Context, query string) ([]websearch.Result, error) {
	f.lastQuery = query
	return f.results, nil
}

type fakeSaver struct {
	content string
}

func (f *fakeSaver) Save(ctx context.Context, content string, now time.Time) (*reports.Report, error) {
	f.content = content
	return &reports.Report{
		ID:        "rep-1",
		Filename:  "risk_report_20260302_100000.md",
		Content:   content,
		CreatedAt: now,
	}, nil
}

func scheduleItem(code, country, port string, lateDays int) scheduledata.Item {
	planned := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	return scheduledata.Item{
		ProjectCode:      "P-1",
		EquipmentCode:    code,
		Description:      "Heat exchanger",
		Manufacturer:     "Acme",
		Country:          country,
		Port:             port,
		PlannedDelivery:  planned,
		ForecastDelivery: planned.AddDate(0, 0, lateDays),
	}
}

func TestAssistantRejectsEmptyQuery(t *testing.T) {
	a := NewAssistant(zap.NewNop())
	_, err := a.Execute(context.Background(), Input{Query: "  "})
	assert.ErrorIs(t, err, ErrBadInput)
}

func TestAssistantDescribesAnalyses(t *testing.T) {
	a := NewAssistant(zap.NewNop())
	out, err := a.Execute(context.Background(), Input{Query: "what can you do?"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "Schedule risk")
	assert.Contains(t, out.Text, "Political risk")
}

func TestSchedulerBuildsPayloadFromDelayedItems(t *testing.T) {
	reader := fakeReader{items: []scheduledata.Item{
		scheduleItem("HX-100", "Vietnam", "Haiphong", 21),
		scheduleItem("PV-201", "Vietnam", "", 8),
		scheduleItem("CP-330", "Germany", "Hamburg", 0), // on time, excluded
	}}
	s := NewScheduler(reader, zap.NewNop())

	out, err := s.Execute(context.Background(), Input{SessionID: "s1", Query: "any delays?"})
	require.NoError(t, err)

	var payload SchedulePayload
	require.NoError(t, json.Unmarshal(out.Payload, &payload))
	require.Len(t, payload.Items, 2)
	assert.Equal(t, "HX-100", payload.Items[0].EquipmentCode)
	assert.Equal(t, scheduledata.RiskHigh, payload.Items[0].RiskBucket)
	assert.Equal(t, scheduledata.RiskMedium, payload.Items[1].RiskBucket)
	assert.Equal(t, 3, payload.Summary.TotalItems)

	// Search queries derive from the delayed countries only
	assert.Contains(t, payload.SearchQuery.Political, "Vietnam")
	assert.NotContains(t, payload.SearchQuery.Political, "Germany")
	assert.Contains(t, payload.SearchQuery.Logistics, "Haiphong")

	assert.Contains(t, out.Text, "Found 2 delayed equipment item(s)")
}

func TestSchedulerReportsCleanSchedule(t *testing.T) {
	s := NewScheduler(fakeReader{items: []scheduledata.Item{
		scheduleItem("HX-100", "Vietnam", "", 0),
	}}, zap.NewNop())

	out, err := s.Execute(context.Background(), Input{Query: "status"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "on or ahead of schedule")

	var payload SchedulePayload
	require.NoError(t, json.Unmarshal(out.Payload, &payload))
	assert.Empty(t, payload.Items)
	assert.Empty(t, payload.SearchQuery.Political)
}

func TestPoliticalRiskPrefersSchedulerQuery(t *testing.T) {
	searcher := &fakeSearcher{results: []websearch.Result{
		{Title: "Unrest grows", Snippet: "protests", SourceURL: "https://example.com/n"},
	}}
	p := NewPoliticalRisk(searcher, zap.NewNop())

	sched := SchedulePayload{
		Items:       []ScheduleItem{{Country: "Vietnam", VarianceDays: 10}},
		SearchQuery: SearchQueries{Political: "political instability export risk Vietnam"},
	}
	raw, err := json.Marshal(sched)
	require.NoError(t, err)

	out, err := p.Execute(context.Background(), Input{
		Query:   "what about political risk?",
		Scratch: map[Name]json.RawMessage{Scheduler: raw},
	})
	require.NoError(t, err)

	assert.Equal(t, "political instability export risk Vietnam", searcher.lastQuery)
	var payload PoliticalRiskPayload
	require.NoError(t, json.Unmarshal(out.Payload, &payload))
	assert.Equal(t, []string{"Vietnam"}, payload.Countries)
	require.Len(t, payload.Citations, 1)
	assert.Equal(t, "https://example.com/n", payload.Citations[0].SourceURL)
}

func TestPoliticalRiskFallsBackToUserQuery(t *testing.T) {
	searcher := &fakeSearcher{}
	p := NewPoliticalRisk(searcher, zap.NewNop())

	out, err := p.Execute(context.Background(), Input{Query: "political risk in Brazil"})
	require.NoError(t, err)
	assert.Equal(t, "political risk in Brazil", searcher.lastQuery)
	assert.Contains(t, out.Text, "No relevant sources found")
}

func TestPoliticalRiskRequiresSomeQuery(t *testing.T) {
	p := NewPoliticalRisk(&fakeSearcher{}, zap.NewNop())
	_, err := p.Execute(context.Background(), Input{Query: "   "})
	assert.ErrorIs(t, err, ErrBadInput)
}

func TestReportingRequiresScheduleAnalysis(t *testing.T) {
	r := NewReporting(&fakeSaver{}, clock.NewFake(time.Now()), zap.NewNop())
	_, err := r.Execute(context.Background(), Input{Query: "make a report"})
	assert.ErrorIs(t, err, ErrBadInput)
}

func TestReportingFoldsUpstreamAnalyses(t *testing.T) {
	saver := &fakeSaver{}
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	r := NewReporting(saver, clk, zap.NewNop())

	sched, err := json.Marshal(SchedulePayload{
		Items:       []ScheduleItem{{EquipmentCode: "HX-100", Country: "Vietnam", VarianceDays: 21, RiskBucket: scheduledata.RiskHigh, ForecastDelivery: "2026-03-31"}},
		Summary:     scheduledata.Summary{TotalItems: 1, HighRisk: 1},
		SearchQuery: SearchQueries{Political: "political instability export risk Vietnam"},
	})
	require.NoError(t, err)
	political, err := json.Marshal(PoliticalRiskPayload{
		Query:     "political instability export risk Vietnam",
		Countries: []string{"Vietnam"},
		Citations: []Citation{{Title: "Unrest", Snippet: "s", SourceURL: "https://example.com"}},
	})
	require.NoError(t, err)

	out, err := r.Execute(context.Background(), Input{
		Query: "report please",
		Scratch: map[Name]json.RawMessage{
			Scheduler:     sched,
			PoliticalRisk: political,
		},
	})
	require.NoError(t, err)

	assert.Contains(t, out.Text, "Report Generated Successfully")
	assert.Contains(t, out.Text, "Report ID: rep-1")
	assert.Contains(t, saver.content, "## Schedule Risk")
	assert.Contains(t, saver.content, "## Political Risk")
	assert.Contains(t, saver.content, "## Recommended Follow-up Searches")

	var payload ReportPayload
	require.NoError(t, json.Unmarshal(out.Payload, &payload))
	assert.Equal(t, "rep-1", payload.ReportID)
	assert.Equal(t, "/reports/rep-1", payload.DownloadPath)
}

func TestScratchPayloadMissingEntry(t *testing.T) {
	var dst SchedulePayload
	ok, err := Input{}.ScratchPayload(Scheduler, &dst)
	require.NoError(t, err)
	assert.False(t, ok)
}
