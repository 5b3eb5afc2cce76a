package agents

import (
	"encoding/json"

	"github.com/exprisk/orchestrator/internal/reports"
	"github.com/exprisk/orchestrator/internal/scheduledata"
	"github.com/exprisk/orchestrator/internal/websearch"
)

// SearchQueries are the follow-up search strings the scheduler derives from
// the delayed equipment it found. Downstream consumers pick the dimension
// they care about; only the political query drives an agent in this service.
type SearchQueries struct {
	Political string `json:"political"`
	Tariff    string `json:"tariff"`
	Logistics string `json:"logistics"`
}

// ScheduleItem is one delayed equipment row in the scheduler payload.
type ScheduleItem struct {
	ProjectCode      string `json:"project_code"`
	EquipmentCode    string `json:"equipment_code"`
	Description      string `json:"description"`
	Manufacturer     string `json:"manufacturer"`
	Country          string `json:"country"`
	Port             string `json:"port"`
	PlannedDelivery  string `json:"planned_delivery"`
	ForecastDelivery string `json:"forecast_delivery"`
	VarianceDays     int    `json:"variance_days"`
	RiskBucket       string `json:"risk_bucket"`
}

// SchedulePayload is the scheduler's structured output.
type SchedulePayload struct {
	Items       []ScheduleItem       `json:"items"`
	Summary     scheduledata.Summary `json:"summary"`
	SearchQuery SearchQueries        `json:"searchQuery"`
}

// Citation is one evidence source in the political risk payload.
type Citation struct {
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	SourceURL string `json:"source_url"`
	Published string `json:"published,omitempty"`
}

// PoliticalRiskPayload is the political risk agent's structured output.
type PoliticalRiskPayload struct {
	Query     string     `json:"query"`
	Countries []string   `json:"countries"`
	Citations []Citation `json:"citations"`
}

// ReportPayload carries the persisted report's file metadata.
type ReportPayload struct {
	ReportID     string `json:"report_id"`
	Filename     string `json:"filename"`
	DownloadPath string `json:"download_path"`
	GeneratedAt  string `json:"generated_at"`
}

func citationsFromResults(results []websearch.Result) []Citation {
	cites := make([]Citation, 0, len(results))
	for _, r := range results {
		cites = append(cites, Citation{
			Title:     r.Title,
			Snippet:   r.Snippet,
			SourceURL: r.SourceURL,
			Published: r.Published,
		})
	}
	return cites
}

func reportPayload(r *reports.Report) ReportPayload {
	return ReportPayload{
		ReportID:     r.ID,
		Filename:     r.Filename,
		DownloadPath: r.DownloadPath(),
		GeneratedAt:  r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func marshalPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
