package reports

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock")), mock
}

func TestSaveGeneratesIDAndFilename(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 2, 10, 15, 30, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO reports`).
		WithArgs(sqlmock.AnyArg(), "risk_report_20260302_101530.md", "# body", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	r, err := store.Save(context.Background(), "# body", now)
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "risk_report_20260302_101530.md", r.Filename)
	assert.Equal(t, "/reports/"+r.ID, r.DownloadPath())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingReport(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, filename, content, created_at FROM reports`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id", "filename", "content", "created_at"}))

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenderSkipsEmptySections(t *testing.T) {
	generated := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	out := Render("Export Risk Report", generated, []Section{
		{Title: "Schedule Risk", Body: "2 items late"},
		{Title: "Political Risk", Body: "   "},
		{Title: "Follow-up", Body: "- check tariffs"},
	})

	assert.Contains(t, out, "# Export Risk Report")
	assert.Contains(t, out, "_Generated: 2026-03-02T10:00:00Z_")
	assert.Contains(t, out, "## Schedule Risk")
	assert.Contains(t, out, "## Follow-up")
	assert.NotContains(t, out, "## Political Risk")
}
