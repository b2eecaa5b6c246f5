package attractor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execFor(t *testing.T, g *Graph) *Execution {
	t.Helper()
	return &Execution{
		Graph:    g,
		Context:  NewContext(),
		LogsRoot: t.TempDir(),
	}
}

func TestCodergenSimulationMode(t *testing.T) {
	g, err := Parse(`digraph { n [prompt="build the parser"] }`)
	require.NoError(t, err)
	x := execFor(t, g)

	h := &CodergenHandler{}
	out, err := h.Execute(context.Background(), x, g.FindNode("n"))
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, out.Status)
	assert.FileExists(t, filepath.Join(x.LogsRoot, "n", "prompt.md"))
	assert.FileExists(t, filepath.Join(x.LogsRoot, "n", "response.md"))
	assert.FileExists(t, filepath.Join(x.LogsRoot, "n", "status.json"))
}

func TestCodergenBackendOutcomeUsedVerbatim(t *testing.T) {
	g, err := Parse(`digraph { n }`)
	require.NoError(t, err)
	x := execFor(t, g)

	h := &CodergenHandler{Backend: CodergenBackendFunc(
		func(context.Context, *Node, string, *Context) (*BackendResult, error) {
			return &BackendResult{Outcome: &Outcome{
				Status:         StatusPartialSuccess,
				PreferredLabel: "revise",
			}}, nil
		})}
	out, err := h.Execute(context.Background(), x, g.FindNode("n"))
	require.NoError(t, err)
	assert.Equal(t, StatusPartialSuccess, out.Status)
	assert.Equal(t, "revise", out.PreferredLabel)
}

func TestCodergenBackendErrorBecomesFail(t *testing.T) {
	g, err := Parse(`digraph { n }`)
	require.NoError(t, err)
	x := execFor(t, g)

	h := &CodergenHandler{Backend: CodergenBackendFunc(
		func(context.Context, *Node, string, *Context) (*BackendResult, error) {
			return nil, assert.AnError
		})}
	out, err := h.Execute(context.Background(), x, g.FindNode("n"))
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
	assert.Equal(t, assert.AnError.Error(), out.FailureReason)
}

func TestToolHandlerSuccess(t *testing.T) {
	g, err := Parse(`digraph { n [type=tool, tool_command="printf hello"] }`)
	require.NoError(t, err)
	x := execFor(t, g)

	out, err := (ToolHandler{}).Execute(context.Background(), x, g.FindNode("n"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "hello", out.ContextUpdates["tool.output"])
}

func TestToolHandlerNonZeroExit(t *testing.T) {
	g, err := Parse(`digraph { n [type=tool, tool_command="exit 3"] }`)
	require.NoError(t, err)
	x := execFor(t, g)

	out, err := (ToolHandler{}).Execute(context.Background(), x, g.FindNode("n"))
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
	assert.NotEmpty(t, out.FailureReason)
}

func TestToolHandlerEmptyCommand(t *testing.T) {
	g, err := Parse(`digraph { n [type=tool] }`)
	require.NoError(t, err)
	x := execFor(t, g)

	out, err := (ToolHandler{}).Execute(context.Background(), x, g.FindNode("n"))
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
}

func TestToolHandlerTimeout(t *testing.T) {
	g, err := Parse(`digraph { n [type=tool, tool_command="sleep 5", timeout=100ms] }`)
	require.NoError(t, err)
	x := execFor(t, g)

	start := time.Now()
	out, err := (ToolHandler{}).Execute(context.Background(), x, g.FindNode("n"))
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
	assert.Contains(t, out.FailureReason, "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func humanGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := Parse(`
		digraph {
			gate [shape=hexagon, prompt="Ship it?"]
			gate -> ok   [label="[A] Approve"]
			gate -> back [label="[R] Rework"]
		}
	`)
	require.NoError(t, err)
	return g
}

func TestWaitHumanRoutesOnKey(t *testing.T) {
	g := humanGraph(t)
	x := execFor(t, g)

	h := &WaitHumanHandler{Interviewer: NewQueueInterviewer("r")}
	out, err := h.Execute(context.Background(), x, g.FindNode("gate"))
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, []string{"back"}, out.SuggestedNextIDs)
	assert.Equal(t, "back", out.ContextUpdates["human.gate.selection"])
}

func TestWaitHumanRoutesOnLabelAndTarget(t *testing.T) {
	g := humanGraph(t)

	h := &WaitHumanHandler{Interviewer: NewQueueInterviewer("approve", "back")}
	out, err := h.Execute(context.Background(), execFor(t, g), g.FindNode("gate"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, out.SuggestedNextIDs)

	out, err = h.Execute(context.Background(), execFor(t, g), g.FindNode("gate"))
	require.NoError(t, err)
	assert.Equal(t, []string{"back"}, out.SuggestedNextIDs)
}

func TestWaitHumanUnmatchedFallsThroughToFirstChoice(t *testing.T) {
	g := humanGraph(t)

	h := &WaitHumanHandler{Interviewer: NewQueueInterviewer("whatever")}
	out, err := h.Execute(context.Background(), execFor(t, g), g.FindNode("gate"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, out.SuggestedNextIDs)
}

func TestWaitHumanSkippedFails(t *testing.T) {
	g := humanGraph(t)

	h := &WaitHumanHandler{Interviewer: NewQueueInterviewer()}
	out, err := h.Execute(context.Background(), execFor(t, g), g.FindNode("gate"))
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
}

func TestWaitHumanTimeoutWithDefaultChoice(t *testing.T) {
	g, err := Parse(`
		digraph {
			gate [shape=hexagon, human.default_choice="ok"]
			gate -> ok   [label="[A] Approve"]
			gate -> back [label="[R] Rework"]
		}
	`)
	require.NoError(t, err)

	timeoutInterviewer := CallbackInterviewer{Fn: func(context.Context, Question) (Answer, error) {
		return Answer{Kind: AnswerTimeout}, nil
	}}
	h := &WaitHumanHandler{Interviewer: timeoutInterviewer}
	out, err := h.Execute(context.Background(), execFor(t, g), g.FindNode("gate"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, []string{"ok"}, out.SuggestedNextIDs)
}

func TestWaitHumanTimeoutWithoutDefaultRetries(t *testing.T) {
	g := humanGraph(t)

	timeoutInterviewer := CallbackInterviewer{Fn: func(context.Context, Question) (Answer, error) {
		return Answer{Kind: AnswerTimeout}, nil
	}}
	h := &WaitHumanHandler{Interviewer: timeoutInterviewer}
	out, err := h.Execute(context.Background(), execFor(t, g), g.FindNode("gate"))
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, out.Status)
}

func TestRecordingInterviewerCapturesExchanges(t *testing.T) {
	rec := &RecordingInterviewer{Inner: NewQueueInterviewer("a")}
	answer, err := rec.Ask(context.Background(), Question{Prompt: "pick"})
	require.NoError(t, err)
	assert.Equal(t, "a", answer.Value)
	require.Len(t, rec.Records, 1)
	assert.Equal(t, "pick", rec.Records[0].Question.Prompt)
}

func TestParallelAllBranchesSucceed(t *testing.T) {
	g, err := Parse(`
		digraph {
			fan [shape=component]
			fan -> b1 [label="one"]
			fan -> b2 [label="two"]
			b1 [type=tool, tool_command="printf one"]
			b2 [type=tool, tool_command="printf two"]
		}
	`)
	require.NoError(t, err)
	x := execFor(t, g)

	out, err := (ParallelHandler{}).Execute(context.Background(), x, g.FindNode("fan"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)

	var results []BranchResult
	require.NoError(t, json.Unmarshal([]byte(out.ContextUpdates["parallel.results"].(string)), &results))
	require.Len(t, results, 2)
	// Summary is in authoring-edge order regardless of completion order.
	assert.Equal(t, "b1", results[0].BranchID)
	assert.Equal(t, "b2", results[1].BranchID)
}

func TestParallelPartialSuccessUnderWaitAll(t *testing.T) {
	g, err := Parse(`
		digraph {
			fan [shape=component]
			fan -> good [label="g"]
			fan -> bad  [label="b"]
			good [type=tool, tool_command="true"]
			bad  [type=tool, tool_command="false"]
		}
	`)
	require.NoError(t, err)

	out, err := (ParallelHandler{}).Execute(context.Background(), execFor(t, g), g.FindNode("fan"))
	require.NoError(t, err)
	assert.Equal(t, StatusPartialSuccess, out.Status)
}

func TestParallelFailFastSkipsLaterBatches(t *testing.T) {
	g, err := Parse(`
		digraph {
			fan [shape=component, max_parallel=1, error_policy=fail_fast]
			fan -> bad   [label="b"]
			fan -> never [label="n"]
			bad   [type=tool, tool_command="false"]
			never [type=tool, tool_command="true"]
		}
	`)
	require.NoError(t, err)

	out, err := (ParallelHandler{}).Execute(context.Background(), execFor(t, g), g.FindNode("fan"))
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)

	var results []BranchResult
	require.NoError(t, json.Unmarshal([]byte(out.ContextUpdates["parallel.results"].(string)), &results))
	assert.Equal(t, StatusSkipped, results[1].Status)
}

func TestParallelNoEdgesFails(t *testing.T) {
	g, err := Parse(`digraph { fan [shape=component] }`)
	require.NoError(t, err)

	out, err := (ParallelHandler{}).Execute(context.Background(), execFor(t, g), g.FindNode("fan"))
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
}

func TestFanInRanksBranches(t *testing.T) {
	g, err := Parse(`digraph { join [shape=tripleoctagon] }`)
	require.NoError(t, err)
	x := execFor(t, g)

	results := []BranchResult{
		{BranchID: "b", Status: StatusSuccess, Score: 1},
		{BranchID: "a", Status: StatusSuccess, Score: 5},
		{BranchID: "c", Status: StatusPartialSuccess, Score: 9},
	}
	data, _ := json.Marshal(results)
	x.Context.Set("parallel.results", string(data))

	out, err := (FanInHandler{}).Execute(context.Background(), x, g.FindNode("join"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "a", out.ContextUpdates["parallel.fan_in.best_id"])
}

func TestFanInLexicalTieBreak(t *testing.T) {
	g, err := Parse(`digraph { join [shape=tripleoctagon] }`)
	require.NoError(t, err)
	x := execFor(t, g)

	results := []BranchResult{
		{BranchID: "beta", Status: StatusSuccess, Score: 2},
		{BranchID: "alpha", Status: StatusSuccess, Score: 2},
	}
	data, _ := json.Marshal(results)
	x.Context.Set("parallel.results", string(data))

	out, err := (FanInHandler{}).Execute(context.Background(), x, g.FindNode("join"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", out.ContextUpdates["parallel.fan_in.best_id"])
}

func TestFanInAllFailed(t *testing.T) {
	g, err := Parse(`digraph { join [shape=tripleoctagon] }`)
	require.NoError(t, err)
	x := execFor(t, g)

	data, _ := json.Marshal([]BranchResult{{BranchID: "a", Status: StatusFail}})
	x.Context.Set("parallel.results", string(data))

	out, err := (FanInHandler{}).Execute(context.Background(), x, g.FindNode("join"))
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
}

func TestFanInEmptyResults(t *testing.T) {
	g, err := Parse(`digraph { join [shape=tripleoctagon] }`)
	require.NoError(t, err)

	out, err := (FanInHandler{}).Execute(context.Background(), execFor(t, g), g.FindNode("join"))
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
}

func managerNode(t *testing.T, attrs string) (*Graph, *Execution) {
	t.Helper()
	g, err := Parse(`digraph { m [type=manager` + attrs + `] }`)
	require.NoError(t, err)
	return g, execFor(t, g)
}

func TestManagerChildCompletedSuccess(t *testing.T) {
	g, x := managerNode(t, `, manager.max_cycles=3`)
	x.Context.Set("stack.child.status", "completed")
	x.Context.Set("stack.child.outcome", "success")

	out, err := (StackManagerHandler{}).Execute(context.Background(), x, g.FindNode("m"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
}

func TestManagerChildFailed(t *testing.T) {
	g, x := managerNode(t, `, manager.max_cycles=3`)
	x.Context.Set("stack.child.status", "failed")

	out, err := (StackManagerHandler{}).Execute(context.Background(), x, g.FindNode("m"))
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
}

func TestManagerStopCondition(t *testing.T) {
	g, x := managerNode(t, `, manager.max_cycles=3, manager.stop_condition="build=green"`)
	x.Context.Set("build", "green")

	out, err := (StackManagerHandler{}).Execute(context.Background(), x, g.FindNode("m"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
}

func TestManagerExhaustsCycles(t *testing.T) {
	g, x := managerNode(t, `, manager.max_cycles=3`)

	out, err := (StackManagerHandler{}).Execute(context.Background(), x, g.FindNode("m"))
	require.NoError(t, err)
	assert.Equal(t, StatusFail, out.Status)
	assert.Contains(t, out.FailureReason, "3 cycles")
}

func TestManagerObserveAppendsLog(t *testing.T) {
	g, x := managerNode(t, `, manager.max_cycles=1, manager.actions="observe"`)

	_, err := (StackManagerHandler{}).Execute(context.Background(), x, g.FindNode("m"))
	require.NoError(t, err)
	assert.NotEmpty(t, x.Context.SnapshotLogs())
}

func TestHandlerRegistryResolution(t *testing.T) {
	reg := NewDefaultRegistry(nil, nil)

	g, err := Parse(`
		digraph {
			s [shape=Mdiamond]
			e [shape=Msquare]
			c [shape=diamond]
			t [type=tool]
			llm [shape=box]
			weird [shape=octagon]
		}
	`)
	require.NoError(t, err)

	assert.IsType(t, PassThroughHandler{}, reg.Resolve(g.FindNode("s")))
	assert.IsType(t, PassThroughHandler{}, reg.Resolve(g.FindNode("e")))
	assert.IsType(t, PassThroughHandler{}, reg.Resolve(g.FindNode("c")))
	assert.IsType(t, &ToolHandler{}, reg.Resolve(g.FindNode("t")))
	assert.IsType(t, &CodergenHandler{}, reg.Resolve(g.FindNode("llm")))
	// Unknown shapes fall back to codergen.
	assert.IsType(t, &CodergenHandler{}, reg.Resolve(g.FindNode("weird")))
}
