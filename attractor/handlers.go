package attractor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Execution carries the engine state a handler may consult.
type Execution struct {
	Graph    *Graph
	Context  *Context
	LogsRoot string
	Engine   *Engine
}

// StageDir returns (and creates) the per-node artifact directory.
func (x *Execution) StageDir(node *Node) (string, error) {
	dir := filepath.Join(x.LogsRoot, sanitizeNodeID(node.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// sanitizeNodeID keeps node ids filesystem-safe when used as directory names.
func sanitizeNodeID(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(id)
}

// NodeHandler executes one node and reports its outcome.
type NodeHandler interface {
	Execute(ctx context.Context, exec *Execution, node *Node) (Outcome, error)
}

// shapeTypeTable maps DOT shapes onto handler types. Unlisted shapes fall
// back to codergen.
var shapeTypeTable = map[string]string{
	"Mdiamond":      "start",
	"Msquare":       "exit",
	"diamond":       "conditional",
	"hexagon":       "wait.human",
	"parallelogram": "tool",
	"component":     "parallel",
	"tripleoctagon": "fan_in",
	"cds":           "manager",
	"box":           "codergen",
}

// resolvedHandlerType returns the handler type string for a node: explicit
// type attribute first, then the shape table, then codergen.
func resolvedHandlerType(node *Node) string {
	if t := node.TypeOverride(); t != "" {
		return t
	}
	if t, ok := shapeTypeTable[node.Shape()]; ok {
		return t
	}
	return "codergen"
}

// HandlerRegistry maps handler type strings to implementations.
type HandlerRegistry struct {
	byType map[string]NodeHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{byType: map[string]NodeHandler{}}
}

// Register installs a handler for a type string (replacing any previous one).
func (r *HandlerRegistry) Register(typeName string, h NodeHandler) {
	r.byType[typeName] = h
}

// Get returns the handler for a type string, or nil.
func (r *HandlerRegistry) Get(typeName string) NodeHandler {
	return r.byType[typeName]
}

// Resolve picks the handler for a node. An unregistered explicit type falls
// back through the shape table to codergen.
func (r *HandlerRegistry) Resolve(node *Node) NodeHandler {
	if t := node.TypeOverride(); t != "" {
		if h := r.byType[t]; h != nil {
			return h
		}
	}
	if t, ok := shapeTypeTable[node.Shape()]; ok {
		if h := r.byType[t]; h != nil {
			return h
		}
	}
	return r.byType["codergen"]
}

// NewDefaultRegistry wires the standard handler set.
func NewDefaultRegistry(backend CodergenBackend, interviewer Interviewer) *HandlerRegistry {
	if interviewer == nil {
		interviewer = AutoApproveInterviewer{}
	}
	r := NewHandlerRegistry()
	r.Register("start", PassThroughHandler{})
	r.Register("exit", PassThroughHandler{})
	r.Register("conditional", PassThroughHandler{})
	r.Register("codergen", &CodergenHandler{Backend: backend})
	r.Register("wait.human", &WaitHumanHandler{Interviewer: interviewer})
	r.Register("tool", &ToolHandler{})
	r.Register("parallel", &ParallelHandler{})
	r.Register("fan_in", &FanInHandler{})
	r.Register("manager", &StackManagerHandler{})
	return r
}

// PassThroughHandler serves start, exit, and conditional nodes: routing is
// driven entirely by outgoing-edge conditions.
type PassThroughHandler struct{}

func (PassThroughHandler) Execute(context.Context, *Execution, *Node) (Outcome, error) {
	return Outcome{Status: StatusSuccess}, nil
}

// BackendResult is what a codergen backend produces: raw text, or a full
// outcome used verbatim.
type BackendResult struct {
	Text    string
	Outcome *Outcome
}

// CodergenBackend drives LLM nodes.
type CodergenBackend interface {
	Run(ctx context.Context, node *Node, prompt string, pctx *Context) (*BackendResult, error)
}

// CodergenBackendFunc adapts a function to the CodergenBackend interface.
type CodergenBackendFunc func(ctx context.Context, node *Node, prompt string, pctx *Context) (*BackendResult, error)

func (f CodergenBackendFunc) Run(ctx context.Context, node *Node, prompt string, pctx *Context) (*BackendResult, error) {
	return f(ctx, node, prompt, pctx)
}

// CodergenHandler materializes the node prompt, invokes the backend, and
// persists prompt/response/status artifacts. With no backend configured it
// emits a canned simulated response.
type CodergenHandler struct {
	Backend CodergenBackend
}

const codergenPreviewLimit = 400

func (h *CodergenHandler) Execute(ctx context.Context, exec *Execution, node *Node) (Outcome, error) {
	prompt := node.Attr("prompt", node.Label())

	stageDir, err := exec.StageDir(node)
	if err != nil {
		return Outcome{Status: StatusFail, FailureReason: err.Error()}, nil
	}
	_ = os.WriteFile(filepath.Join(stageDir, "prompt.md"), []byte(prompt), 0o644)

	var result *BackendResult
	if h.Backend == nil {
		result = &BackendResult{Text: fmt.Sprintf("[simulated] %s", prompt)}
	} else {
		result, err = h.Backend.Run(ctx, node, prompt, exec.Context)
		if err != nil {
			out := Outcome{Status: StatusFail, FailureReason: err.Error()}
			writeStatusArtifact(stageDir, out)
			return out, nil
		}
	}

	var out Outcome
	switch {
	case result == nil:
		out = Outcome{Status: StatusFail, FailureReason: "codergen backend returned no result"}
	case result.Outcome != nil:
		out = *result.Outcome
	default:
		preview := result.Text
		if len(preview) > codergenPreviewLimit {
			preview = preview[:codergenPreviewLimit]
		}
		out = Outcome{
			Status: StatusSuccess,
			ContextUpdates: map[string]any{
				"codergen." + node.ID + ".response": preview,
			},
		}
	}

	if result != nil && result.Text != "" {
		_ = os.WriteFile(filepath.Join(stageDir, "response.md"), []byte(result.Text), 0o644)
	}
	writeStatusArtifact(stageDir, out)
	return out, nil
}

func writeStatusArtifact(stageDir string, out Outcome) {
	data, err := marshalIndent(out)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(stageDir, "status.json"), data, 0o644)
}

// ToolHandler runs the node's tool_command in a shell with a parsed timeout.
type ToolHandler struct{}

const defaultToolTimeout = 60 * time.Second

func (ToolHandler) Execute(ctx context.Context, exec *Execution, node *Node) (Outcome, error) {
	command := strings.TrimSpace(node.Attr("tool_command", ""))
	if command == "" {
		return Outcome{Status: StatusFail, FailureReason: "tool node has no tool_command"}, nil
	}

	timeout := ParseDurationAttr(node.Attr("timeout", ""), defaultToolTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.buildToolCommand(runCtx, command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("tool command timed out after %s", timeout),
		}, nil
	}
	if err != nil {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = err.Error()
		}
		return Outcome{Status: StatusFail, FailureReason: reason}, nil
	}

	return Outcome{
		Status:         StatusSuccess,
		ContextUpdates: map[string]any{"tool.output": stdout.String()},
	}, nil
}

// buildToolCommand prepares the shell invocation for a tool node, rooted at
// the run's logs directory when available. On cancellation the whole process
// group is killed, so children of the shell cannot hold the output pipes
// open past the timeout.
func (x *Execution) buildToolCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second
	if x != nil && x.LogsRoot != "" {
		cmd.Dir = x.LogsRoot
	}
	return cmd
}

// WaitHumanHandler derives single-select choices from the node's outgoing
// edges and routes on the interviewer's answer.
type WaitHumanHandler struct {
	Interviewer Interviewer
}

func (h *WaitHumanHandler) Execute(ctx context.Context, exec *Execution, node *Node) (Outcome, error) {
	edges := exec.Graph.Outgoing(node.ID)
	if len(edges) == 0 {
		return Outcome{Status: StatusFail, FailureReason: "human gate has no outgoing edges"}, nil
	}

	options := make([]QuestionOption, 0, len(edges))
	for i, e := range edges {
		label := e.Label()
		if label == "" {
			label = e.To
		}
		options = append(options, QuestionOption{
			Key:    acceleratorKey(label, i),
			Label:  label,
			Target: e.To,
		})
	}

	interviewer := h.Interviewer
	if interviewer == nil {
		interviewer = AutoApproveInterviewer{}
	}
	answer, err := interviewer.Ask(ctx, Question{
		Prompt:  node.Attr("prompt", node.Label()),
		Options: options,
	})
	if err != nil {
		return Outcome{Status: StatusFail, FailureReason: err.Error()}, nil
	}

	switch answer.Kind {
	case AnswerSkipped:
		return Outcome{Status: StatusFail, FailureReason: "human gate skipped"}, nil
	case AnswerTimeout:
		if def := node.Attr("human.default_choice", ""); def != "" {
			if opt := matchOption(options, def); opt != nil {
				return h.selected(node, *opt), nil
			}
		}
		return Outcome{Status: StatusRetry, FailureReason: "human gate timed out"}, nil
	}

	opt := matchOption(options, answer.Value)
	if opt == nil {
		opt = &options[0]
	}
	return h.selected(node, *opt), nil
}

func (h *WaitHumanHandler) selected(node *Node, opt QuestionOption) Outcome {
	return Outcome{
		Status:           StatusSuccess,
		SuggestedNextIDs: []string{opt.Target},
		ContextUpdates: map[string]any{
			"human." + node.ID + ".selection": opt.Target,
			"human." + node.ID + ".label":     opt.Label,
		},
	}
}

// matchOption resolves an answer value against choices: accelerator key
// (case-insensitive), then label, then target node id.
func matchOption(options []QuestionOption, value string) *QuestionOption {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for i := range options {
		if strings.EqualFold(options[i].Key, value) {
			return &options[i]
		}
	}
	for i := range options {
		if normalizeLabel(options[i].Label) == normalizeLabel(value) {
			return &options[i]
		}
	}
	for i := range options {
		if options[i].Target == value {
			return &options[i]
		}
	}
	return nil
}

// acceleratorKey extracts the bracketed or parenthesized key prefix of a
// choice label, falling back to its first letter or position.
func acceleratorKey(label string, index int) string {
	trimmed := strings.TrimSpace(label)
	if len(trimmed) >= 4 && trimmed[0] == '[' && trimmed[2] == ']' {
		return strings.ToUpper(trimmed[1:2])
	}
	if len(trimmed) >= 3 && trimmed[1] == ')' {
		return strings.ToUpper(trimmed[:1])
	}
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return strings.ToUpper(string(r))
		}
	}
	return fmt.Sprintf("%d", index+1)
}
