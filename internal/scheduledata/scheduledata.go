// Package scheduledata reads equipment schedule rows for the Scheduler
// capability. The backing store is selected by DSN: a sqlite path for local
// development, a postgres URL in deployment.
package scheduledata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Item is one equipment schedule row with delivery dates from the baseline
// plan and the current forecast.
type Item struct {
	ProjectCode      string    `db:"project_code" json:"project_code"`
	EquipmentCode    string    `db:"equipment_code" json:"equipment_code"`
	Description      string    `db:"description" json:"description"`
	Manufacturer     string    `db:"manufacturer" json:"manufacturer"`
	Country          string    `db:"country" json:"country"`
	Port             string    `db:"port" json:"port"`
	PlannedDelivery  time.Time `db:"planned_delivery" json:"planned_delivery"`
	ForecastDelivery time.Time `db:"forecast_delivery" json:"forecast_delivery"`
}

// VarianceDays returns the forecast slip in whole days. Positive means late.
func (i Item) VarianceDays() int {
	return int(i.ForecastDelivery.Sub(i.PlannedDelivery).Hours() / 24)
}

// Summary aggregates schedule risk counts by bucket.
type Summary struct {
	TotalItems  int `json:"total_items"`
	HighRisk    int `json:"high_risk"`
	MediumRisk  int `json:"medium_risk"`
	LowRisk     int `json:"low_risk"`
	MaxVariance int `json:"max_variance_days"`
}

// Reader provides read access to the equipment schedule tables.
type Reader struct {
	db *sqlx.DB
}

// Open connects to the schedule database. SQLite DSNs (sqlite: prefix or a
// .db/.sqlite suffix) use the sqlite3 driver, everything else postgres.
func Open(dsn string) (*sqlx.DB, error) {
	driver := "postgres"
	if IsSQLiteDSN(dsn) {
		driver = "sqlite3"
		dsn = strings.TrimPrefix(dsn, "sqlite://")
		dsn = strings.TrimPrefix(dsn, "sqlite:")
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open schedule database: %w", err)
	}
	return db, nil
}

// IsSQLiteDSN reports whether the DSN refers to a local sqlite file.
func IsSQLiteDSN(dsn string) bool {
	if dsn == "" {
		return true
	}
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "sqlite:") ||
		strings.HasSuffix(lower, ".sqlite") ||
		strings.HasSuffix(lower, ".db")
}

// NewReader wraps an open database handle.
func NewReader(db *sqlx.DB) *Reader {
	return &Reader{db: db}
}

// Items returns all schedule rows ordered by forecast delivery.
func (r *Reader) Items(ctx context.Context) ([]Item, error) {
	var items []Item
	err := r.db.SelectContext(ctx, &items, `
		SELECT project_code, equipment_code, description, manufacturer,
		       country, port, planned_delivery, forecast_delivery
		FROM equipment_schedule
		ORDER BY forecast_delivery ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedule items: %w", err)
	}
	return items, nil
}

// Comparison returns rows filtered by equipment and/or project code. Empty
// filters match everything.
func (r *Reader) Comparison(ctx context.Context, equipmentCode, projectCode string) ([]Item, error) {
	var items []Item
	err := r.db.SelectContext(ctx, &items, `
		SELECT project_code, equipment_code, description, manufacturer,
		       country, port, planned_delivery, forecast_delivery
		FROM equipment_schedule
		WHERE ($1 = '' OR equipment_code = $1)
		  AND ($2 = '' OR project_code = $2)
		ORDER BY forecast_delivery ASC
	`, equipmentCode, projectCode)
	if err != nil {
		return nil, fmt.Errorf("query schedule comparison: %w", err)
	}
	return items, nil
}

// RiskSummary buckets all rows by schedule variance.
func (r *Reader) RiskSummary(ctx context.Context) (*Summary, error) {
	items, err := r.Items(ctx)
	if err != nil {
		return nil, err
	}
	s := &Summary{TotalItems: len(items)}
	for _, it := range items {
		v := it.VarianceDays()
		if v > s.MaxVariance {
			s.MaxVariance = v
		}
		switch BucketForVariance(v) {
		case RiskHigh:
			s.HighRisk++
		case RiskMedium:
			s.MediumRisk++
		default:
			s.LowRisk++
		}
	}
	return s, nil
}

// CountryRisk aggregates schedule variance for one sourcing country.
type CountryRisk struct {
	Country     string `json:"country"`
	Items       int    `json:"items"`
	HighRisk    int    `json:"high_risk"`
	MediumRisk  int    `json:"medium_risk"`
	LowRisk     int    `json:"low_risk"`
	MaxVariance int    `json:"max_variance_days"`
	RiskLevel   string `json:"risk_level"`
}

// Heatmap buckets all rows by sourcing country. A country's level is the
// bucket of its worst slip.
func (r *Reader) Heatmap(ctx context.Context) ([]CountryRisk, error) {
	items, err := r.Items(ctx)
	if err != nil {
		return nil, err
	}

	byCountry := make(map[string]*CountryRisk)
	for _, it := range items {
		cr, ok := byCountry[it.Country]
		if !ok {
			cr = &CountryRisk{Country: it.Country}
			byCountry[it.Country] = cr
		}
		cr.Items++
		v := it.VarianceDays()
		if v > cr.MaxVariance {
			cr.MaxVariance = v
		}
		switch BucketForVariance(v) {
		case RiskHigh:
			cr.HighRisk++
		case RiskMedium:
			cr.MediumRisk++
		default:
			cr.LowRisk++
		}
	}

	out := make([]CountryRisk, 0, len(byCountry))
	for _, cr := range byCountry {
		cr.RiskLevel = BucketForVariance(cr.MaxVariance)
		out = append(out, *cr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Country < out[j].Country })
	return out, nil
}

// Risk buckets for schedule variance.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// BucketForVariance maps a slip in days to a risk bucket. On-time or early
// deliveries are low risk; more than two weeks late is high.
func BucketForVariance(days int) string {
	switch {
	case days > 14:
		return RiskHigh
	case days > 5:
		return RiskMedium
	default:
		return RiskLow
	}
}
