package agentloop

import (
	"encoding/json"
)

// toolCallSignature computes a deterministic signature for a tool call:
// the name plus its canonicalized arguments. Canonicalization decodes and
// re-encodes the JSON so key order does not affect the signature.
func toolCallSignature(name string, arguments json.RawMessage) string {
	var decoded any
	if err := json.Unmarshal(arguments, &decoded); err != nil {
		return name + ":" + string(arguments)
	}
	canon, err := json.Marshal(decoded)
	if err != nil {
		return name + ":" + string(arguments)
	}
	return name + ":" + string(canon)
}

// toolCallSignatures extracts the chronological list of tool-call signatures
// from the assistant turns in the history.
func toolCallSignatures(history []Turn) []string {
	var sigs []string
	for _, turn := range history {
		if turn.Kind != TurnAssistant || turn.Assistant == nil {
			continue
		}
		for _, tc := range turn.Assistant.ToolCalls {
			sigs = append(sigs, toolCallSignature(tc.Name, tc.Arguments))
		}
	}
	return sigs
}

// DetectLoop reports whether the recent tool-call activity is looping:
// either the same call was issued at least three times in a row, or the
// tool-call sequences of the last two windows are identical.
func DetectLoop(history []Turn, windowSize int) bool {
	if windowSize <= 0 {
		return false
	}
	sigs := toolCallSignatures(history)

	// Same (tool, arguments) tuple three or more times consecutively.
	if n := len(sigs); n >= 3 {
		if sigs[n-1] == sigs[n-2] && sigs[n-2] == sigs[n-3] {
			return true
		}
	}

	// Last two windows carry an identical call sequence.
	if len(sigs) >= 2*windowSize {
		recent := sigs[len(sigs)-windowSize:]
		previous := sigs[len(sigs)-2*windowSize : len(sigs)-windowSize]
		match := true
		for i := range recent {
			if recent[i] != previous[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}

	return false
}
