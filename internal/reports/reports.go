// Package reports renders and persists markdown risk reports produced by the
// reporting capability.
package reports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/exprisk/orchestrator/internal/metrics"
)

// ErrNotFound is returned when a report id does not exist.
var ErrNotFound = errors.New("report not found")

// Report is one persisted markdown report.
type Report struct {
	ID        string    `db:"id" json:"report_id"`
	Filename  string    `db:"filename" json:"filename"`
	Content   string    `db:"content" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DownloadPath returns the API path a client can fetch the report from.
func (r Report) DownloadPath() string {
	return "/reports/" + r.ID
}

// Store persists reports.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the reports table if missing. Idempotent, works on
// both sqlite and postgres.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reports (
			id         TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure reports schema: %w", err)
	}
	return nil
}

// Save persists the rendered markdown and returns the stored report with its
// generated id and filename.
func (s *Store) Save(ctx context.Context, content string, now time.Time) (*Report, error) {
	r := &Report{
		ID:        uuid.New().String(),
		Filename:  fmt.Sprintf("risk_report_%s.md", now.UTC().Format("20060102_150405")),
		Content:   content,
		CreatedAt: now.UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, filename, content, created_at)
		VALUES ($1, $2, $3, $4)
	`, r.ID, r.Filename, r.Content, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}
	metrics.ReportsGenerated.Inc()
	return r, nil
}

// Get loads one report by id.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	var r Report
	err := s.db.GetContext(ctx, &r, `
		SELECT id, filename, content, created_at FROM reports WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load report %s: %w", id, err)
	}
	return &r, nil
}

// Section is one titled block of a rendered report.
type Section struct {
	Title string
	Body  string
}

// Render produces the report markdown from a title and ordered sections.
// Empty sections are skipped.
func Render(title string, generatedAt time.Time, sections []Section) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(title)
	b.WriteString("\n\n")
	b.WriteString("_Generated: ")
	b.WriteString(generatedAt.UTC().Format(time.RFC3339))
	b.WriteString("_\n")
	for _, s := range sections {
		if strings.TrimSpace(s.Body) == "" {
			continue
		}
		b.WriteString("\n## ")
		b.WriteString(s.Title)
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(s.Body))
		b.WriteString("\n")
	}
	return b.String()
}
