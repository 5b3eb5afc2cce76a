package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/scheduledata"
)

// ScheduleReader is the slice of the schedule-data layer the scheduler needs.
type ScheduleReader interface {
	Items(ctx context.Context) ([]scheduledata.Item, error)
	RiskSummary(ctx context.Context) (*scheduledata.Summary, error)
}

// SchedulerCapability analyzes the equipment schedule, reports delayed items,
// and derives follow-up search queries for the downstream risk agents.
type SchedulerCapability struct {
	reader ScheduleReader
	logger *zap.Logger
}

// NewScheduler builds the scheduler capability.
func NewScheduler(reader ScheduleReader, logger *zap.Logger) *SchedulerCapability {
	return &SchedulerCapability{reader: reader, logger: logger}
}

func (s *SchedulerCapability) Name() Name { return Scheduler }

func (s *SchedulerCapability) Execute(ctx context.Context, in Input) (*Output, error) {
	items, err := s.reader.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("read equipment schedule: %w", err)
	}
	summary, err := s.reader.RiskSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("summarize equipment schedule: %w", err)
	}

	payload := SchedulePayload{Summary: *summary}
	countries := map[string]struct{}{}
	ports := map[string]struct{}{}
	for _, it := range items {
		v := it.VarianceDays()
		if v <= 0 {
			continue
		}
		payload.Items = append(payload.Items, ScheduleItem{
			ProjectCode:      it.ProjectCode,
			EquipmentCode:    it.EquipmentCode,
			Description:      it.Description,
			Manufacturer:     it.Manufacturer,
			Country:          it.Country,
			Port:             it.Port,
			PlannedDelivery:  it.PlannedDelivery.Format("2006-01-02"),
			ForecastDelivery: it.ForecastDelivery.Format("2006-01-02"),
			VarianceDays:     v,
			RiskBucket:       scheduledata.BucketForVariance(v),
		})
		if it.Country != "" {
			countries[it.Country] = struct{}{}
		}
		if it.Port != "" {
			ports[it.Port] = struct{}{}
		}
	}
	payload.SearchQuery = deriveSearchQueries(sortedKeys(countries), sortedKeys(ports))

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode schedule payload: %w", err)
	}

	s.logger.Info("schedule analysis complete",
		zap.String("session_id", in.SessionID),
		zap.Int("delayed_items", len(payload.Items)),
		zap.Int("high_risk", summary.HighRisk),
	)
	return &Output{
		Text:    renderScheduleText(payload),
		Payload: raw,
	}, nil
}

func deriveSearchQueries(countries, ports []string) SearchQueries {
	if len(countries) == 0 {
		return SearchQueries{}
	}
	where := strings.Join(countries, ", ")
	q := SearchQueries{
		Political: fmt.Sprintf("political instability export risk %s", where),
		Tariff:    fmt.Sprintf("tariff changes import duties equipment %s", where),
		Logistics: fmt.Sprintf("shipping delays logistics disruption %s", where),
	}
	if len(ports) > 0 {
		q.Logistics += " port " + strings.Join(ports, ", ")
	}
	return q
}

func renderScheduleText(p SchedulePayload) string {
	if len(p.Items) == 0 {
		return "All tracked equipment is currently forecast on or ahead of schedule."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d delayed equipment item(s) out of %d tracked (%d high risk, %d medium, %d low).\n",
		len(p.Items), p.Summary.TotalItems, p.Summary.HighRisk, p.Summary.MediumRisk, p.Summary.LowRisk)
	for _, it := range p.Items {
		fmt.Fprintf(&b, "- %s (%s, %s): %d day(s) late, %s risk, forecast %s\n",
			it.EquipmentCode, it.Description, it.Country, it.VarianceDays, it.RiskBucket, it.ForecastDelivery)
	}
	return b.String()
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
