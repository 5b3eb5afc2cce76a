package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIntentsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intents.yaml")
	content := `
intents:
  schedule_risk:
    - delay
    - late
  political_risk:
    - sanction
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	kw, err := LoadIntents(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"delay", "late"}, kw.ScheduleRisk)
	assert.Equal(t, []string{"sanction"}, kw.PoliticalRisk)
}

func TestLoadIntentsMissingFileUsesDefaults(t *testing.T) {
	kw, err := LoadIntents(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, kw.ScheduleRisk)
	assert.NotEmpty(t, kw.PoliticalRisk)
}

func TestLoadIntentsRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("intents: [not a map"), 0o644))

	_, err := LoadIntents(path)
	assert.Error(t, err)
}

func TestLoadIntentsEmptyFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("intents: {}\n"), 0o644))

	kw, err := LoadIntents(path)
	require.NoError(t, err)
	assert.NotEmpty(t, kw.ScheduleRisk)
}
