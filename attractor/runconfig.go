package attractor

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RunConfig is the YAML run configuration snapshotted alongside a run. It
// seeds run options and graph-level defaults without editing the DOT source.
type RunConfig struct {
	RunID           string            `yaml:"run_id,omitempty"`
	LogsRoot        string            `yaml:"logs_root,omitempty"`
	Goal            string            `yaml:"goal,omitempty"`
	DefaultMaxRetry int               `yaml:"default_max_retry,omitempty"`
	Context         map[string]string `yaml:"context,omitempty"`
}

// LoadRunConfig reads a YAML run configuration file.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("run config: %w", err)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("run config: %w", err)
	}
	return &cfg, nil
}

// Save snapshots the run configuration into dir/run_config.yaml.
func (c *RunConfig) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("run config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("run config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "run_config.yaml"), data, 0o644)
}

// Options derives run options from the config.
func (c *RunConfig) Options() RunOptions {
	return RunOptions{RunID: c.RunID, LogsRoot: c.LogsRoot}
}

// ApplyToGraph seeds the goal and default_max_retry graph attributes when
// the DOT source left them unset. Context entries are not applied to the
// graph.
func (c *RunConfig) ApplyToGraph(g *Graph) {
	if c.Goal != "" && g.Attr("goal", "") == "" {
		g.Attrs["goal"] = c.Goal
	}
	if c.DefaultMaxRetry > 0 && g.Attr("default_max_retry", "") == "" {
		g.Attrs["default_max_retry"] = fmt.Sprintf("%d", c.DefaultMaxRetry)
	}
}
