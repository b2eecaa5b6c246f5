package attractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOptionsFromEnv(t *testing.T) {
	t.Setenv("ATTRACTOR_RUN_ID", "env-run")
	t.Setenv("ATTRACTOR_LOGS_ROOT", "/tmp/env-logs")

	opts, err := RunOptionsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env-run", opts.RunID)
	assert.Equal(t, "/tmp/env-logs", opts.LogsRoot)
}

func TestRunOptionsDefaults(t *testing.T) {
	var opts RunOptions
	opts.applyDefaults()
	assert.NotEmpty(t, opts.RunID)
	assert.Contains(t, opts.LogsRoot, opts.RunID)
}
