package attractor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()

	ctx := NewContext()
	ctx.Set("answer", "42")
	ctx.Set("count", float64(3))
	ctx.Set("flag", true)
	ctx.AppendLog("first line")
	ctx.AppendLog("second line")

	cp := NewCheckpoint(ctx, "work",
		[]string{"start", "work"},
		map[string]int{"work": 2},
		map[string]Outcome{"work": {Status: StatusSuccess, Notes: "done"}},
	)
	require.NoError(t, SaveCheckpoint(cp, dir))

	loaded, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	state := RestoreFromCheckpoint(loaded)
	assert.Equal(t, "work", state.CurrentNode)
	assert.Equal(t, []string{"start", "work"}, state.CompletedNodes)
	assert.Equal(t, 2, state.NodeRetries["work"])
	assert.Equal(t, StatusSuccess, state.NodeOutcomes["work"].Status)
	assert.Equal(t, "42", state.Context.GetString("answer", ""))
	assert.Equal(t, "3", state.Context.GetString("count", ""))
	assert.Equal(t, "true", state.Context.GetString("flag", ""))
	assert.Equal(t, []string{"first line", "second line"}, state.Context.SnapshotLogs())
}

func TestLoadCheckpointMissingReturnsNil(t *testing.T) {
	cp, err := LoadCheckpoint(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestSaveCheckpointCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	cp := NewCheckpoint(NewContext(), "n", nil, nil, nil)
	require.NoError(t, SaveCheckpoint(cp, dir))

	loaded, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "n", loaded.CurrentNode)
}
