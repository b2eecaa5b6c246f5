package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how over-limit output is shortened.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// fallbackCharLimit applies to tools with no per-tool default.
const fallbackCharLimit = 30000

// Default character limits per tool.
var DefaultToolCharLimits = map[string]int{
	"read_file":       50000,
	"shell":           30000,
	"grep":            20000,
	"glob":            20000,
	"edit_file":       10000,
	"apply_patch":     10000,
	"write_file":      1000,
	"spawn_agent":     50000,
	"read_many_files": 20000,
	"web_fetch":       50000,
}

// Default truncation modes per tool. Tools not listed use head_tail.
var DefaultTruncationModes = map[string]TruncationMode{
	"read_file":       TruncateHeadTail,
	"shell":           TruncateHeadTail,
	"read_many_files": TruncateHeadTail,
	"spawn_agent":     TruncateHeadTail,
	"web_fetch":       TruncateHeadTail,
	"grep":            TruncateTail,
	"glob":            TruncateTail,
	"edit_file":       TruncateTail,
	"apply_patch":     TruncateTail,
	"write_file":      TruncateTail,
	"list_dir":        TruncateTail,
	"web_search":      TruncateTail,
}

// Default line limits per tool (applied after character truncation).
var DefaultToolLineLimits = map[string]int{
	"shell": 256,
	"grep":  200,
	"glob":  500,
}

// TruncateByChars applies character-based truncation. Output at or below the
// limit passes through unchanged.
func TruncateByChars(output string, maxChars int, mode TruncationMode) string {
	if len(output) <= maxChars {
		return output
	}

	removed := len(output) - maxChars
	switch mode {
	case TruncateTail:
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
			"The full output is available in the event stream.]\n\n",
			removed) +
			output[len(output)-maxChars:]
	default: // head_tail
		half := maxChars / 2
		removed = len(output) - 2*half
		return output[:half] +
			fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
				"The full output is available in the event stream. "+
				"If you need to see specific parts, re-run the tool with more targeted parameters.]\n\n",
				removed) +
			output[len(output)-half:]
	}
}

// TruncateLines applies line-based truncation, keeping the first half of the
// budget at the head and the remainder at the tail.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies the full truncation pipeline for a tool:
// character truncation first, then line truncation. Config overrides win
// over the per-tool defaults.
func TruncateToolOutput(output string, toolName string, charLimits map[string]int, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = fallbackCharLimit
		}
	}

	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateByChars(output, maxChars, mode)

	maxLines := 0
	if lineLimits != nil {
		if ml, ok := lineLimits[toolName]; ok {
			maxLines = ml
		}
	}
	if maxLines == 0 {
		if ml, ok := DefaultToolLineLimits[toolName]; ok {
			maxLines = ml
		}
	}
	if maxLines > 0 {
		result = TruncateLines(result, maxLines)
	}

	return result
}
