package attractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/strongdm/attractor/events"
)

// GoalGateError is raised when a goal-gated node has not succeeded at
// termination and no viable retry target exists.
type GoalGateError struct {
	NodeID string
}

func (e *GoalGateError) Error() string {
	return fmt.Sprintf("goal gate unsatisfied for node %q and no viable retry target", e.NodeID)
}

// RunOptions holds per-run settings, overridable from the environment.
type RunOptions struct {
	RunID    string `env:"ATTRACTOR_RUN_ID"`
	LogsRoot string `env:"ATTRACTOR_LOGS_ROOT"`
}

// RunOptionsFromEnv reads run options from ATTRACTOR_* environment variables.
func RunOptionsFromEnv() (RunOptions, error) {
	var opts RunOptions
	if err := env.Parse(&opts); err != nil {
		return RunOptions{}, fmt.Errorf("run options: %w", err)
	}
	return opts, nil
}

func (o *RunOptions) applyDefaults() {
	if o.RunID == "" {
		o.RunID = uuid.New().String()
	}
	if o.LogsRoot == "" {
		o.LogsRoot = filepath.Join("attractor-runs", o.RunID)
	}
}

// EngineConfig configures a pipeline engine.
type EngineConfig struct {
	Options     RunOptions
	Backend     CodergenBackend
	Interviewer Interviewer
	Registry    *HandlerRegistry
	Transforms  []Transform
	Logger      *slog.Logger
	// EventCallback, when set, receives every engine event in addition to
	// emitter listeners.
	EventCallback func(Event)
}

// Engine walks a pipeline graph: handler dispatch, retry policies, edge
// selection, goal gates, and checkpoints.
type Engine struct {
	config   EngineConfig
	registry *HandlerRegistry
	logger   *slog.Logger
	hub      *events.Emitter[Event]
}

// RunResult is the final state of a completed pipeline run.
type RunResult struct {
	RunID          string
	LogsRoot       string
	FinalStatus    StageStatus
	CompletedNodes []string
	NodeOutcomes   map[string]Outcome
	Context        *Context
}

// NewEngine creates an engine. A nil registry gets the default handler set
// wired to the configured backend and interviewer.
func NewEngine(config EngineConfig) *Engine {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := config.Registry
	if registry == nil {
		registry = NewDefaultRegistry(config.Backend, config.Interviewer)
	}
	kindOf := func(ev Event) string { return string(ev.Kind) }
	return &Engine{
		config:   config,
		registry: registry,
		logger:   logger,
		hub:      events.NewEmitter(kindOf, "", logger),
	}
}

// On registers a listener for an engine event kind (or events.Wildcard).
func (e *Engine) On(kind EventKind, fn func(Event)) events.Subscription {
	return e.hub.On(string(kind), fn)
}

// Stream returns a cancellable feed of engine events.
func (e *Engine) Stream(ctx context.Context, kinds ...EventKind) <-chan Event {
	strs := make([]string, len(kinds))
	for i, k := range kinds {
		strs[i] = string(k)
	}
	return e.hub.Stream(ctx, strs...)
}

func (e *Engine) emit(kind EventKind, nodeID string, data map[string]any) {
	ev := Event{Kind: kind, NodeID: nodeID, Timestamp: time.Now(), Data: data}
	e.hub.Emit(ev)
	if e.config.EventCallback != nil {
		e.config.EventCallback(ev)
	}
}

// RunFromSource parses DOT source and runs the resulting pipeline.
func (e *Engine) RunFromSource(ctx context.Context, source string) (*RunResult, error) {
	graph, err := Parse(source)
	if err != nil {
		e.emit(EventPipelineFailed, "", map[string]any{"error": err.Error()})
		return nil, err
	}
	return e.RunFromGraph(ctx, graph)
}

// RunFromGraph applies transforms, validates, and executes a graph.
func (e *Engine) RunFromGraph(ctx context.Context, graph *Graph) (*RunResult, error) {
	if err := ApplyTransforms(graph, e.config.Transforms...); err != nil {
		e.emit(EventPipelineFailed, "", map[string]any{"error": err.Error()})
		return nil, err
	}
	if err := ValidateOrError(graph); err != nil {
		e.emit(EventPipelineFailed, "", map[string]any{"error": err.Error()})
		return nil, err
	}

	opts := e.config.Options
	opts.applyDefaults()

	pctx := NewContext()
	for k, v := range graph.Attrs {
		pctx.Set("graph."+k, v)
	}

	start := graph.FindStartNode()
	state := &RunState{
		CurrentNode:  start.ID,
		NodeRetries:  map[string]int{},
		NodeOutcomes: map[string]Outcome{},
		Context:      pctx,
	}
	return e.run(ctx, graph, opts, state)
}

// RunFromState executes a validated graph from a restored state bundle
// (see RestoreFromCheckpoint).
func (e *Engine) RunFromState(ctx context.Context, graph *Graph, state *RunState) (*RunResult, error) {
	if err := ValidateOrError(graph); err != nil {
		return nil, err
	}
	opts := e.config.Options
	opts.applyDefaults()
	return e.run(ctx, graph, opts, state)
}

// maxWalkIterations bounds cyclic graphs against runaway loops.
const maxWalkIterations = 10000

func (e *Engine) run(ctx context.Context, graph *Graph, opts RunOptions, state *RunState) (*RunResult, error) {
	if err := e.writeManifest(graph, opts); err != nil {
		return nil, err
	}

	e.emit(EventPipelineStarted, "", map[string]any{"run_id": opts.RunID})

	current := state.CurrentNode
	completed := append([]string{}, state.CompletedNodes...)
	retries := state.NodeRetries
	outcomes := state.NodeOutcomes
	pctx := state.Context

	result := func(status StageStatus) *RunResult {
		return &RunResult{
			RunID:          opts.RunID,
			LogsRoot:       opts.LogsRoot,
			FinalStatus:    status,
			CompletedNodes: completed,
			NodeOutcomes:   outcomes,
			Context:        pctx,
		}
	}
	fail := func(err error) (*RunResult, error) {
		e.emit(EventPipelineFailed, current, map[string]any{"error": err.Error()})
		return nil, err
	}

	for iteration := 0; ; iteration++ {
		if iteration >= maxWalkIterations {
			return fail(fmt.Errorf("execution exceeded %d iterations, possible infinite loop", maxWalkIterations))
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		node := graph.FindNode(current)
		if node == nil {
			return fail(fmt.Errorf("missing node: %s", current))
		}
		pctx.Set("current_node", current)

		// Terminal exit: the goal gates must all be satisfied before the
		// exit node may execute.
		if node.Shape() == "Msquare" {
			if gateOK, failedGate := checkGoalGates(graph, outcomes); !gateOK {
				target := resolveRetryTarget(graph, graph.FindNode(failedGate))
				if target == "" || !contains(completed, target) {
					return fail(&GoalGateError{NodeID: failedGate})
				}
				pctx.AppendLog(fmt.Sprintf("goal gate %s unsatisfied; rewinding to %s", failedGate, target))
				current = target
				continue
			}

			e.emit(EventStageStarted, node.ID, nil)
			out, err := e.executeNode(ctx, graph, pctx, opts, node)
			if err != nil {
				return fail(fmt.Errorf("exit node %q: %w", node.ID, err))
			}
			outcomes[node.ID] = out
			completed = append(completed, node.ID)
			pctx.ApplyUpdates(out.ContextUpdates)
			e.emit(EventStageCompleted, node.ID, nil)
			e.checkpoint(pctx, opts, node.ID, completed, retries, outcomes)
			e.emit(EventPipelineCompleted, node.ID, nil)
			return result(StatusSuccess), nil
		}

		handler := e.registry.Resolve(node)
		if handler == nil {
			return fail(fmt.Errorf("no handler for node %q (type %s)", node.ID, resolvedHandlerType(node)))
		}

		e.emit(EventStageStarted, node.ID, map[string]any{"type": resolvedHandlerType(node)})
		out, err := e.executeWithRetry(ctx, graph, pctx, opts, node, handler, retries)
		if err != nil {
			return fail(err)
		}

		if out.Status == StatusFail {
			e.emit(EventStageFailed, node.ID, map[string]any{"reason": out.FailureReason})
			outcomes[node.ID] = out

			target := resolveRetryTarget(graph, node)
			if target != "" && contains(completed, target) {
				pctx.AppendLog(fmt.Sprintf("node %s failed; rewinding to %s", node.ID, target))
				current = target
				continue
			}
			if node.IsGoalGate() {
				return fail(&GoalGateError{NodeID: node.ID})
			}
			return fail(fmt.Errorf("node %q failed: %s", node.ID, out.FailureReason))
		}

		outcomes[node.ID] = out
		pctx.ApplyUpdates(out.ContextUpdates)
		pctx.Set("outcome", string(out.Status))
		pctx.Set("preferred_label", out.PreferredLabel)
		pctx.Set("failure_reason", out.FailureReason)

		if out.Status != StatusSkipped {
			completed = append(completed, node.ID)
			e.checkpoint(pctx, opts, node.ID, completed, retries, outcomes)
		}
		e.emit(EventStageCompleted, node.ID, map[string]any{"status": string(out.Status)})

		edge := SelectEdge(graph, node.ID, out, pctx)
		if edge == nil {
			// No outgoing edges: terminal by structure.
			e.emit(EventPipelineCompleted, node.ID, nil)
			return result(out.Status), nil
		}
		e.emit(EventEdgeSelected, node.ID, map[string]any{
			"to":        edge.To,
			"label":     edge.Label(),
			"condition": edge.Condition(),
		})
		current = edge.To
	}
}

// executeWithRetry runs a node under its retry policy. Handler errors and
// RETRY outcomes consume attempts with backoff; FAIL is terminal and is
// resolved by the caller via retry targets.
func (e *Engine) executeWithRetry(ctx context.Context, graph *Graph, pctx *Context, opts RunOptions, node *Node, handler NodeHandler, retries map[string]int) (Outcome, error) {
	policy := buildRetryPolicy(node, graph)
	allowPartial := strings.EqualFold(node.Attr("allow_partial", "false"), "true")

	var out Outcome
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		var err error
		out, err = e.executeNodeWith(ctx, graph, pctx, opts, node, handler)
		if err != nil {
			if strings.EqualFold(node.Attr("auto_status", "false"), "true") {
				// The handler produced no status artifact; synthesize one.
				return Outcome{Status: StatusSuccess, Notes: "auto_status synthesized success"}, nil
			}
			out = Outcome{Status: StatusRetry, FailureReason: err.Error()}
		}

		switch out.Status {
		case StatusSuccess, StatusPartialSuccess, StatusSkipped:
			retries[node.ID] = 0
			return out, nil
		case StatusFail:
			return out, nil
		}

		// RETRY (or converted error): back off and go again if budget remains.
		if attempt < policy.MaxAttempts {
			retries[node.ID]++
			delay := policy.Delay(attempt)
			e.emit(EventStageRetrying, node.ID, map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"reason":   out.FailureReason,
			})
			if !sleepContext(ctx, delay) {
				return Outcome{}, ctx.Err()
			}
		}
	}

	if allowPartial {
		return Outcome{
			Status:        StatusPartialSuccess,
			Notes:         "retries exhausted, partial accepted",
			FailureReason: out.FailureReason,
		}, nil
	}
	reason := out.FailureReason
	if reason == "" {
		reason = "max retries exceeded"
	}
	return Outcome{Status: StatusFail, FailureReason: reason}, nil
}

// executeNode resolves the handler and runs the node once.
func (e *Engine) executeNode(ctx context.Context, graph *Graph, pctx *Context, opts RunOptions, node *Node) (Outcome, error) {
	handler := e.registry.Resolve(node)
	if handler == nil {
		return Outcome{}, fmt.Errorf("no handler for node %q", node.ID)
	}
	return e.executeNodeWith(ctx, graph, pctx, opts, node, handler)
}

// executeNodeWith runs one handler attempt: node timeout applied, stale
// status artifacts cleared, panics recovered into errors.
func (e *Engine) executeNodeWith(ctx context.Context, graph *Graph, pctx *Context, opts RunOptions, node *Node, handler NodeHandler) (Outcome, error) {
	if timeout := ParseDurationAttr(node.Attr("timeout", ""), 0); timeout > 0 {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ctx = tctx
	}

	// A prior attempt may have left a stale status.json behind.
	_ = os.Remove(filepath.Join(opts.LogsRoot, sanitizeNodeID(node.ID), "status.json"))

	exec := &Execution{
		Graph:    graph,
		Context:  pctx,
		LogsRoot: opts.LogsRoot,
		Engine:   e,
	}
	return safeExecute(ctx, handler, exec, node)
}

// safeExecute converts handler panics into errors so one misbehaving handler
// cannot crash the engine.
func safeExecute(ctx context.Context, handler NodeHandler, exec *Execution, node *Node) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic in node %q: %v\n%s", node.ID, r, debug.Stack())
			out = Outcome{}
		}
	}()
	return handler.Execute(ctx, exec, node)
}

func (e *Engine) checkpoint(pctx *Context, opts RunOptions, nodeID string, completed []string, retries map[string]int, outcomes map[string]Outcome) {
	cp := NewCheckpoint(pctx, nodeID, completed, retries, outcomes)
	if err := SaveCheckpoint(cp, opts.LogsRoot); err != nil {
		e.logger.Warn("checkpoint save failed",
			slog.String("node", nodeID),
			slog.String("error", err.Error()))
		return
	}
	e.emit(EventCheckpointSaved, nodeID, nil)
}

func (e *Engine) writeManifest(graph *Graph, opts RunOptions) error {
	if err := os.MkdirAll(opts.LogsRoot, 0o755); err != nil {
		return fmt.Errorf("create logs root: %w", err)
	}
	manifest := map[string]any{
		"run_id":     opts.RunID,
		"graph_name": graph.Name,
		"goal":       graph.Attr("goal", ""),
		"logs_root":  opts.LogsRoot,
		"started_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := marshalIndent(manifest)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(opts.LogsRoot, "manifest.json"), data, 0o644)
}

// checkGoalGates reports whether every goal-gated node has reached SUCCESS,
// returning the first unsatisfied gate otherwise. A gate demands strict
// SUCCESS: PARTIAL_SUCCESS (e.g. via allow_partial) does not satisfy it, and
// neither does never having executed.
func checkGoalGates(graph *Graph, outcomes map[string]Outcome) (bool, string) {
	for _, id := range sortedNodeIDs(graph) {
		node := graph.Nodes[id]
		if !node.IsGoalGate() {
			continue
		}
		out, executed := outcomes[id]
		if !executed || out.Status != StatusSuccess {
			return false, id
		}
	}
	return true, ""
}

// resolveRetryTarget walks node retry_target, node fallback_retry_target,
// then the graph-level equivalents.
func resolveRetryTarget(graph *Graph, node *Node) string {
	if node != nil {
		if t := strings.TrimSpace(node.Attr("retry_target", "")); t != "" {
			return t
		}
		if t := strings.TrimSpace(node.Attr("fallback_retry_target", "")); t != "" {
			return t
		}
	}
	if t := strings.TrimSpace(graph.Attr("retry_target", "")); t != "" {
		return t
	}
	return strings.TrimSpace(graph.Attr("fallback_retry_target", ""))
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// sleepContext sleeps for d, returning false if the context is cancelled
// first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func marshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
