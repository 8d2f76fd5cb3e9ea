package cmd

import (
	"encoding/json"
	"github.com/arcward/tallybot/tallybot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func TestImportCommand(t *testing.T) {
	resetConfig(t)
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	statePath := filepath.Join(tmpDir, "files.json")

	require.NoError(t, os.Setenv("TB_DATABASE_TYPE", "sqlite"))
	require.NoError(t, os.Setenv("TB_DATABASE", dbPath))

	document := `{
  "last_count": 1500,
  "last_update": 1700000600,
  "historical_counts": [
    {"timestamp": 1700000000, "count": 1200},
    {"timestamp": 1700000600, "count": 1500}
  ],
  "achieved_milestones": [1000]
}`
	require.NoError(t, os.WriteFile(statePath, []byte(document), 0644))

	output := executeRoot(t, "import", tallybot.TrackerFiles, statePath)
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Imported files: 2 records, 1 achieved milestones")
	assert.Contains(t, output, "Last count: 1,500")
	assert.Contains(t, output, "set it to 'database'")

	var record tallybot.MetricStateRecord
	require.NoError(
		t,
		openTestDB(t, dbPath).Where("name = ?", tallybot.TrackerFiles).First(&record).Error,
	)

	var state tallybot.MetricState
	require.NoError(t, json.Unmarshal([]byte(record.Document), &state))
	require.NotNil(t, state.LastCount)
	assert.Equal(t, int64(1500), *state.LastCount)
	assert.Len(t, state.HistoricalCounts, 2)
	assert.Equal(t, []int64{1000}, state.AchievedMilestones)
}
