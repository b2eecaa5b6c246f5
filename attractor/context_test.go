package attractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextCloneIsDeep(t *testing.T) {
	ctx := NewContext()
	ctx.Set("scalar", "a")
	ctx.Set("nested", map[string]any{"k": "v"})
	ctx.AppendLog("one")

	clone := ctx.Clone()
	clone.Set("scalar", "b")
	clone.AppendLog("two")
	if m, ok := clone.Get("nested").(map[string]any); ok {
		m["k"] = "mutated"
	}

	assert.Equal(t, "a", ctx.GetString("scalar", ""))
	assert.Equal(t, "v", ctx.Get("nested").(map[string]any)["k"])
	assert.Len(t, ctx.SnapshotLogs(), 1)
	assert.Len(t, clone.SnapshotLogs(), 2)
}

func TestContextSetNilDeletes(t *testing.T) {
	ctx := NewContext()
	ctx.Set("k", "v")
	ctx.Set("k", nil)
	assert.False(t, ctx.Has("k"))
	assert.Equal(t, "fallback", ctx.GetString("k", "fallback"))
}

func TestApplyUpdates(t *testing.T) {
	ctx := NewContext()
	ctx.ApplyUpdates(map[string]any{"a": 1, "b": "two"})
	assert.Equal(t, "1", ctx.GetString("a", ""))
	assert.Equal(t, "two", ctx.GetString("b", ""))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "7", Stringify(7))
	assert.Equal(t, "2.5", Stringify(2.5))
	assert.Equal(t, "false", Stringify(false))
	assert.Equal(t, `{"k":"v"}`, Stringify(map[string]any{"k": "v"}))
}
