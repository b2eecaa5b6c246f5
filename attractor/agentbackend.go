package attractor

import (
	"context"
	"fmt"

	"github.com/strongdm/attractor/agentloop"
	"github.com/strongdm/attractor/unifiedllm"
)

// AgentLoopBackend drives codergen nodes through a coding-agent session:
// each node becomes one session submit, and the last assistant turn is the
// node's response text. Node attributes resolved by the stylesheet
// (reasoning_effort) carry into the session configuration.
type AgentLoopBackend struct {
	Profile  agentloop.ProviderProfile
	Env      agentloop.ExecutionEnvironment
	Client   *unifiedllm.Client // nil = the module default client
	MaxTurns int                // 0 = session default
}

func (b *AgentLoopBackend) Run(ctx context.Context, node *Node, prompt string, _ *Context) (*BackendResult, error) {
	cfg := agentloop.DefaultSessionConfig()
	if b.MaxTurns > 0 {
		cfg.MaxTurns = b.MaxTurns
	}
	if effort := node.Attr("reasoning_effort", ""); effort != "" {
		cfg.ReasoningEffort = effort
	}

	session := agentloop.NewSession(b.Profile, b.Env, &cfg)
	defer session.Close()
	if b.Client != nil {
		session.SetClient(b.Client)
	}

	if err := session.Submit(ctx, prompt); err != nil {
		return nil, err
	}
	// A closed session means the loop hit a terminal error and surfaced it
	// as an ERROR event.
	if session.State() == agentloop.StateClosed {
		return nil, fmt.Errorf("agent session terminated while handling node %q", node.ID)
	}

	text := ""
	for _, turn := range session.History() {
		if turn.Kind == agentloop.TurnAssistant && turn.Assistant != nil {
			text = turn.Assistant.Content
		}
	}
	return &BackendResult{Text: text}, nil
}
