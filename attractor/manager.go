package attractor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Context keys polled by the stack manager loop.
const (
	stackChildStatusKey  = "stack.child.status"
	stackChildOutcomeKey = "stack.child.outcome"
)

// StackManagerHandler supervises a child pipeline by polling its status keys
// in the context. Each cycle optionally observes, terminates on a child that
// failed or that completed with outcome success, evaluates the stop
// condition, and optionally sleeps the poll interval. Exhausting max_cycles
// fails the node.
type StackManagerHandler struct{}

func (StackManagerHandler) Execute(ctx context.Context, x *Execution, node *Node) (Outcome, error) {
	pollInterval := ParseDurationAttr(node.Attr("manager.poll_interval", ""), 45*time.Second)
	maxCycles := parseIntAttr(node.Attr("manager.max_cycles", ""), 1000)
	stopCondition := strings.TrimSpace(node.Attr("manager.stop_condition", ""))

	observe := false
	wait := false
	for _, action := range strings.Split(node.Attr("manager.actions", ""), ",") {
		switch strings.TrimSpace(action) {
		case "observe":
			observe = true
		case "wait":
			wait = true
		}
	}

	for cycle := 1; cycle <= maxCycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Status: StatusFail, FailureReason: err.Error()}, nil
		}

		status := x.Context.GetString(stackChildStatusKey, "")
		if observe {
			x.Context.AppendLog(fmt.Sprintf("manager %s: cycle %d child status=%q", node.ID, cycle, status))
		}

		switch status {
		case "completed":
			if x.Context.GetString(stackChildOutcomeKey, "") == "success" {
				return Outcome{Status: StatusSuccess, Notes: "child pipeline completed"}, nil
			}
			// Completions without a success outcome fall through to the stop
			// condition and the next cycle.
		case "failed":
			return Outcome{Status: StatusFail, FailureReason: "child pipeline failed"}, nil
		}

		if stopCondition != "" && EvaluateCondition(stopCondition, Outcome{}, x.Context) {
			return Outcome{Status: StatusSuccess, Notes: "stop condition satisfied"}, nil
		}

		if wait && cycle < maxCycles {
			select {
			case <-ctx.Done():
				return Outcome{Status: StatusFail, FailureReason: ctx.Err().Error()}, nil
			case <-time.After(pollInterval):
			}
		}
	}

	return Outcome{
		Status:        StatusFail,
		FailureReason: fmt.Sprintf("manager exhausted %d cycles without termination", maxCycles),
	}, nil
}
