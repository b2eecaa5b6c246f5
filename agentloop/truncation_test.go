package agentloop

import (
	"strings"
	"testing"
)

func TestTruncateByCharsHeadTail(t *testing.T) {
	input := strings.Repeat("A", 50) + strings.Repeat("B", 50) + strings.Repeat("C", 50)
	out := TruncateByChars(input, 80, TruncateHeadTail)

	if !strings.HasPrefix(out, strings.Repeat("A", 40)) {
		t.Errorf("expected 40 A's at head, got %q", out[:45])
	}
	if !strings.HasSuffix(out, strings.Repeat("C", 40)) {
		t.Errorf("expected 40 C's at tail, got %q", out[len(out)-45:])
	}
	if !strings.Contains(out, "70 characters were removed from the middle") {
		t.Errorf("missing removal notice in %q", out)
	}
}

func TestTruncateByCharsTail(t *testing.T) {
	input := strings.Repeat("x", 100) + "END"
	out := TruncateByChars(input, 10, TruncateTail)

	if !strings.HasSuffix(out, "END") {
		t.Errorf("tail mode must keep the end, got %q", out)
	}
	if !strings.Contains(out, "First 93 characters were removed") {
		t.Errorf("missing removal notice in %q", out)
	}
}

func TestTruncateByCharsBoundaryInclusive(t *testing.T) {
	for _, input := range []string{"", "short", strings.Repeat("z", 80)} {
		if got := TruncateByChars(input, 80, TruncateHeadTail); got != input {
			t.Errorf("input of length %d changed: %q", len(input), got)
		}
		if got := TruncateByChars(input, 80, TruncateTail); got != input {
			t.Errorf("input of length %d changed in tail mode: %q", len(input), got)
		}
	}
}

func TestTruncationNeverGrowsWhenReapplied(t *testing.T) {
	input := strings.Repeat("line\n", 1000)
	once := TruncateToolOutput(input, "shell", nil, nil)
	twice := TruncateToolOutput(once, "shell", nil, nil)
	if len(twice) > len(once) {
		t.Fatalf("re-truncation grew output: %d -> %d", len(once), len(twice))
	}
}

func TestTruncateLines(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString("line\n")
	}
	out := TruncateLines(sb.String(), 10)

	if !strings.Contains(out, "lines omitted") {
		t.Errorf("missing omission marker in %q", out)
	}
	lines := strings.Split(out, "\n")
	// 5 head + marker + 5 tail; the last tail entry is the empty string
	// after the final newline, so 11 lines in all.
	if len(lines) > 12 {
		t.Errorf("expected at most 12 lines, got %d", len(lines))
	}
}

func TestTruncateLinesHeadTailSplit(t *testing.T) {
	input := "a\nb\nc\nd\ne"
	out := TruncateLines(input, 3)
	// floor(3/2)=1 head line, ceil(3/2)=2 tail lines.
	if !strings.HasPrefix(out, "a\n") {
		t.Errorf("expected head line a, got %q", out)
	}
	if !strings.HasSuffix(out, "d\ne") {
		t.Errorf("expected tail lines d,e, got %q", out)
	}
}

func TestTruncateToolOutputConfigOverrideWins(t *testing.T) {
	input := strings.Repeat("y", 200)
	out := TruncateToolOutput(input, "read_file", map[string]int{"read_file": 50}, nil)
	if len(out) <= 50 {
		t.Fatalf("expected warning text plus kept halves, got %d chars", len(out))
	}
	if !strings.Contains(out, "150 characters were removed") {
		t.Errorf("override limit not applied: %q", out)
	}
}

func TestTruncateToolOutputUnknownToolFallback(t *testing.T) {
	input := strings.Repeat("q", fallbackCharLimit)
	if got := TruncateToolOutput(input, "mystery_tool", nil, nil); got != input {
		t.Fatal("output at the fallback limit must pass through unchanged")
	}
}
