package attractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoalExpansion(t *testing.T) {
	g, err := Parse(`
		digraph {
			goal = "add dark mode"
			n [prompt="Please $goal carefully"]
			m [prompt="no placeholder"]
		}
	`)
	require.NoError(t, err)
	require.NoError(t, ApplyTransforms(g))

	assert.Equal(t, "Please add dark mode carefully", g.FindNode("n").Attr("prompt", ""))
	assert.Equal(t, "no placeholder", g.FindNode("m").Attr("prompt", ""))
}

func TestStylesheetTransformFromGraphAttr(t *testing.T) {
	g, err := Parse(`
		digraph {
			model_stylesheet = "* { model: claude-sonnet-4-5 }"
			n
		}
	`)
	require.NoError(t, err)
	require.NoError(t, ApplyTransforms(g))

	assert.Equal(t, "claude-sonnet-4-5", g.FindNode("n").Attr("llm_model", ""))
}

func TestUserTransformsRunAfterBuiltins(t *testing.T) {
	g, err := Parse(`
		digraph {
			goal = "x"
			n [prompt="$goal"]
		}
	`)
	require.NoError(t, err)

	var seen string
	custom := transformFunc{name: "probe", fn: func(g *Graph) error {
		seen = g.FindNode("n").Attr("prompt", "")
		return nil
	}}
	require.NoError(t, ApplyTransforms(g, custom))
	assert.Equal(t, "x", seen)
}

type transformFunc struct {
	name string
	fn   func(*Graph) error
}

func (t transformFunc) Name() string         { return t.name }
func (t transformFunc) Apply(g *Graph) error { return t.fn(g) }

func TestValidateStructuralRules(t *testing.T) {
	cases := []struct {
		name string
		src  string
		rule string
	}{
		{
			"missing start",
			`digraph { a; e [shape=Msquare]; a -> e }`,
			"start_node",
		},
		{
			"two exits",
			`digraph { s [shape=Mdiamond]; a [shape=Msquare]; b [shape=Msquare]; s -> a; s -> b }`,
			"exit_node",
		},
		{
			"start with incoming",
			`digraph { s [shape=Mdiamond]; e [shape=Msquare]; s -> e; e2; s -> e2; e2 -> s }`,
			"start_no_incoming",
		},
		{
			"unreachable node",
			`digraph { s [shape=Mdiamond]; e [shape=Msquare]; island; s -> e }`,
			"reachability",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := Parse(tc.src)
			require.NoError(t, err)
			diags := Validate(g)
			found := false
			for _, d := range diags {
				if d.Rule == tc.rule {
					found = true
				}
			}
			assert.True(t, found, "expected diagnostic %s, got %v", tc.rule, diags)
		})
	}
}

func TestValidGraphPasses(t *testing.T) {
	g, err := Parse(`
		digraph {
			s [shape=Mdiamond]
			w
			e [shape=Msquare]
			s -> w
			w -> e
		}
	`)
	require.NoError(t, err)
	assert.NoError(t, ValidateOrError(g))
}

func TestRunConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &RunConfig{
		RunID:           "cfg-run",
		Goal:            "refactor the cache",
		DefaultMaxRetry: 4,
	}
	require.NoError(t, cfg.Save(dir))

	loaded, err := LoadRunConfig(dir + "/run_config.yaml")
	require.NoError(t, err)
	assert.Equal(t, cfg.RunID, loaded.RunID)
	assert.Equal(t, cfg.Goal, loaded.Goal)

	g, err := Parse(`digraph { n }`)
	require.NoError(t, err)
	loaded.ApplyToGraph(g)
	assert.Equal(t, "refactor the cache", g.Attr("goal", ""))
	assert.Equal(t, "4", g.Attr("default_max_retry", ""))
}
