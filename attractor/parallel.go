package attractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// BranchResult summarizes one parallel branch for the fan-in node.
type BranchResult struct {
	BranchID      string      `json:"branch_id"`
	Status        StageStatus `json:"status"`
	Score         float64     `json:"score,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Notes         string      `json:"notes,omitempty"`
}

const (
	defaultMaxParallel = 4

	joinWaitAll      = "wait_all"
	joinFirstSuccess = "first_success"

	errorContinue = "continue"
	errorFailFast = "fail_fast"
)

// ParallelHandler fans out over the node's outgoing edges: each target runs
// against its own context clone, with bounded concurrency. Batches respect
// max_parallel; fail_fast stops submitting new batches after a failing one.
// The per-branch summary is written to context as a parallel.results JSON
// array in authoring-edge order.
type ParallelHandler struct{}

func (ParallelHandler) Execute(ctx context.Context, x *Execution, node *Node) (Outcome, error) {
	edges := x.Graph.Outgoing(node.ID)
	if len(edges) == 0 {
		return Outcome{Status: StatusFail, FailureReason: "parallel node has no outgoing edges"}, nil
	}

	maxParallel := parseIntAttr(node.Attr("max_parallel", ""), defaultMaxParallel)
	if maxParallel < 1 {
		maxParallel = 1
	}
	joinPolicy := node.Attr("join_policy", joinWaitAll)
	errorPolicy := node.Attr("error_policy", errorContinue)

	registry := x.registry()

	results := make([]BranchResult, len(edges))
	executed := make([]bool, len(edges))

	for batchStart := 0; batchStart < len(edges); batchStart += maxParallel {
		batchEnd := batchStart + maxParallel
		if batchEnd > len(edges) {
			batchEnd = len(edges)
		}

		var wg sync.WaitGroup
		for i := batchStart; i < batchEnd; i++ {
			wg.Add(1)
			go func(idx int, edge *Edge) {
				defer wg.Done()
				results[idx] = runBranch(ctx, x, registry, edge)
				executed[idx] = true
			}(i, edges[i])
		}
		wg.Wait()

		batchFailed := false
		anySuccess := false
		for i := batchStart; i < batchEnd; i++ {
			if results[i].Status == StatusFail {
				batchFailed = true
			}
			if results[i].Status == StatusSuccess || results[i].Status == StatusPartialSuccess {
				anySuccess = true
			}
		}
		if errorPolicy == errorFailFast && batchFailed {
			break
		}
		if joinPolicy == joinFirstSuccess && anySuccess {
			break
		}
	}

	for i := range results {
		if !executed[i] {
			results[i] = BranchResult{BranchID: edges[i].To, Status: StatusSkipped, Notes: "not submitted"}
		}
	}

	summary, err := json.Marshal(results)
	if err != nil {
		return Outcome{Status: StatusFail, FailureReason: err.Error()}, nil
	}

	succeeded := 0
	failed := 0
	ran := 0
	for i := range results {
		if !executed[i] {
			continue
		}
		ran++
		switch results[i].Status {
		case StatusSuccess, StatusPartialSuccess:
			succeeded++
		default:
			failed++
		}
	}

	out := Outcome{
		ContextUpdates: map[string]any{"parallel.results": string(summary)},
		Notes:          fmt.Sprintf("%d/%d branches succeeded", succeeded, len(edges)),
	}
	switch {
	case joinPolicy == joinFirstSuccess:
		if succeeded > 0 {
			out.Status = StatusSuccess
		} else {
			out.Status = StatusFail
			out.FailureReason = "no branch succeeded"
		}
	case succeeded == len(edges):
		out.Status = StatusSuccess
	case succeeded > 0:
		out.Status = StatusPartialSuccess
		out.FailureReason = fmt.Sprintf("%d branch(es) did not succeed", len(edges)-succeeded)
	default:
		out.Status = StatusFail
		out.FailureReason = "all branches failed"
	}
	return out, nil
}

// runBranch executes one branch target against a context clone. Branch
// failures never abort siblings; they are reported in the summary.
func runBranch(ctx context.Context, x *Execution, registry *HandlerRegistry, edge *Edge) BranchResult {
	target := x.Graph.FindNode(edge.To)
	if target == nil {
		return BranchResult{BranchID: edge.To, Status: StatusFail, FailureReason: "branch target not found"}
	}

	branchExec := &Execution{
		Graph:    x.Graph,
		Context:  x.Context.Clone(),
		LogsRoot: x.LogsRoot,
		Engine:   x.Engine,
	}
	handler := registry.Resolve(target)
	if handler == nil {
		return BranchResult{BranchID: edge.To, Status: StatusFail, FailureReason: "no handler for branch target"}
	}

	out, err := safeExecute(ctx, handler, branchExec, target)
	if err != nil {
		return BranchResult{BranchID: edge.To, Status: StatusFail, FailureReason: err.Error()}
	}
	return BranchResult{
		BranchID:      edge.To,
		Status:        out.Status,
		Score:         branchScore(out),
		FailureReason: out.FailureReason,
		Notes:         out.Notes,
	}
}

// branchScore reads a numeric "score" from the branch outcome's context
// updates, for fan-in ranking.
func branchScore(out Outcome) float64 {
	v, ok := out.ContextUpdates["score"]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return 0
}

// registry returns the engine's handler registry, or a default one when the
// handler runs outside an engine.
func (x *Execution) registry() *HandlerRegistry {
	if x != nil && x.Engine != nil && x.Engine.registry != nil {
		return x.Engine.registry
	}
	return NewDefaultRegistry(nil, nil)
}

// FanInHandler consolidates parallel.results: branches are ranked by
// outcome, then numeric score (higher wins), then lexical branch id. The
// winner is recorded under parallel.fan_in.best_id.
type FanInHandler struct{}

func (FanInHandler) Execute(_ context.Context, x *Execution, _ *Node) (Outcome, error) {
	results, err := parseBranchResults(x.Context.Get("parallel.results"))
	if err != nil {
		return Outcome{Status: StatusFail, FailureReason: err.Error()}, nil
	}
	if len(results) == 0 {
		return Outcome{Status: StatusFail, FailureReason: "no parallel results to consolidate"}, nil
	}

	allFailed := true
	for _, r := range results {
		if r.Status == StatusSuccess || r.Status == StatusPartialSuccess {
			allFailed = false
			break
		}
	}
	if allFailed {
		return Outcome{Status: StatusFail, FailureReason: "all branches failed"}, nil
	}

	best := results[0]
	for _, r := range results[1:] {
		if branchLess(r, best) {
			best = r
		}
	}

	return Outcome{
		Status: StatusSuccess,
		ContextUpdates: map[string]any{
			"parallel.fan_in.best_id": best.BranchID,
		},
		Notes: fmt.Sprintf("selected branch %s (%s)", best.BranchID, best.Status),
	}, nil
}

// branchLess orders a before b when a ranks strictly better.
func branchLess(a, b BranchResult) bool {
	if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
		return ra < rb
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.BranchID < b.BranchID
}

func parseBranchResults(raw any) ([]BranchResult, error) {
	switch t := raw.(type) {
	case nil:
		return nil, nil
	case []BranchResult:
		return t, nil
	case string:
		if t == "" {
			return nil, nil
		}
		var results []BranchResult
		if err := json.Unmarshal([]byte(t), &results); err != nil {
			return nil, fmt.Errorf("parallel.results is not valid JSON: %w", err)
		}
		return results, nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("parallel.results has unsupported shape: %w", err)
		}
		var results []BranchResult
		if err := json.Unmarshal(data, &results); err != nil {
			return nil, fmt.Errorf("parallel.results has unsupported shape: %w", err)
		}
		return results, nil
	}
}
