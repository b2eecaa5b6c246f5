package attractor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// checkpointFileName is the checkpoint artifact under a run's logs root.
const checkpointFileName = "checkpoint.json"

// Checkpoint is a serialized snapshot of the engine's execution state,
// written after every completed node.
type Checkpoint struct {
	Timestamp      time.Time          `json:"timestamp"`
	CurrentNode    string             `json:"current_node"`
	CompletedNodes []string           `json:"completed_nodes"`
	NodeRetries    map[string]int     `json:"node_retries"`
	NodeOutcomes   map[string]Outcome `json:"node_outcomes"`
	ContextValues  map[string]any     `json:"context"`
	Logs           []string           `json:"logs"`
}

// RunState is a runnable state bundle rebuilt from a checkpoint.
type RunState struct {
	CurrentNode    string
	CompletedNodes []string
	NodeRetries    map[string]int
	NodeOutcomes   map[string]Outcome
	Context        *Context
}

// NewCheckpoint captures the given execution state.
func NewCheckpoint(ctx *Context, currentNode string, completed []string, retries map[string]int, outcomes map[string]Outcome) *Checkpoint {
	cp := &Checkpoint{
		Timestamp:      time.Now().UTC(),
		CurrentNode:    currentNode,
		CompletedNodes: append([]string{}, completed...),
		NodeRetries:    map[string]int{},
		NodeOutcomes:   map[string]Outcome{},
		ContextValues:  map[string]any{},
		Logs:           []string{},
	}
	for k, v := range retries {
		cp.NodeRetries[k] = v
	}
	for k, v := range outcomes {
		cp.NodeOutcomes[k] = v
	}
	if ctx != nil {
		cp.ContextValues = ctx.SnapshotValues()
		cp.Logs = ctx.SnapshotLogs()
	}
	return cp
}

// SaveCheckpoint writes dir/checkpoint.json atomically, creating the
// directory if needed.
func SaveCheckpoint(cp *Checkpoint, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	path := filepath.Join(dir, checkpointFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// LoadCheckpoint reads dir/checkpoint.json. A missing file returns
// (nil, nil).
func LoadCheckpoint(dir string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(dir, checkpointFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return &cp, nil
}

// RestoreFromCheckpoint rebuilds a fresh context and returns a runnable
// state bundle.
func RestoreFromCheckpoint(cp *Checkpoint) *RunState {
	ctx := NewContext()
	for k, v := range cp.ContextValues {
		ctx.Set(k, v)
	}
	for _, line := range cp.Logs {
		ctx.AppendLog(line)
	}
	state := &RunState{
		CurrentNode:    cp.CurrentNode,
		CompletedNodes: append([]string{}, cp.CompletedNodes...),
		NodeRetries:    map[string]int{},
		NodeOutcomes:   map[string]Outcome{},
		Context:        ctx,
	}
	for k, v := range cp.NodeRetries {
		state.NodeRetries[k] = v
	}
	for k, v := range cp.NodeOutcomes {
		state.NodeOutcomes[k] = v
	}
	return state
}
