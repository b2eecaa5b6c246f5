package attractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStylesheetSpecificity(t *testing.T) {
	src := `
		* { model: gpt-5.2; }
		box { model: claude-sonnet-4-5 }
		.fast { reasoning_effort = "low"; }
		#critical { model = "claude-opus-4-6"; provider: anthropic }
	`
	rules, err := ParseStylesheet(src)
	require.NoError(t, err)
	require.Len(t, rules, 4)

	g, err := Parse(`
		digraph {
			plain    [shape=box]
			fast     [shape=box, class="fast, batch"]
			critical [shape=box]
		}
	`)
	require.NoError(t, err)

	ApplyStylesheet(g, rules)

	assert.Equal(t, "claude-sonnet-4-5", g.FindNode("plain").Attr("llm_model", ""))
	assert.Equal(t, "low", g.FindNode("fast").Attr("reasoning_effort", ""))
	assert.Equal(t, "claude-opus-4-6", g.FindNode("critical").Attr("llm_model", ""))
	assert.Equal(t, "anthropic", g.FindNode("critical").Attr("llm_provider", ""))
}

func TestStylesheetLaterRuleOfEqualSpecificityWins(t *testing.T) {
	rules, err := ParseStylesheet(`
		box { model: first }
		box { model: second }
	`)
	require.NoError(t, err)

	g, err := Parse(`digraph { n [shape=box] }`)
	require.NoError(t, err)
	ApplyStylesheet(g, rules)
	assert.Equal(t, "second", g.FindNode("n").Attr("llm_model", ""))
}

func TestStylesheetNeverOverwritesExplicitAttrs(t *testing.T) {
	rules, err := ParseStylesheet(`* { model: from-stylesheet }`)
	require.NoError(t, err)

	g, err := Parse(`digraph { n [llm_model="explicit"] }`)
	require.NoError(t, err)
	ApplyStylesheet(g, rules)
	assert.Equal(t, "explicit", g.FindNode("n").Attr("llm_model", ""))
}

func TestStylesheetUnknownPropertyPassesThrough(t *testing.T) {
	rules, err := ParseStylesheet(`* { temperature: 0.2 }`)
	require.NoError(t, err)

	g, err := Parse(`digraph { n }`)
	require.NoError(t, err)
	ApplyStylesheet(g, rules)
	assert.Equal(t, "0.2", g.FindNode("n").Attr("temperature", ""))
}

func TestStylesheetQuotedValueEscapes(t *testing.T) {
	rules, err := ParseStylesheet(`* { model: "a \"b\" c\\d" }`)
	require.NoError(t, err)
	assert.Equal(t, `a "b" c\d`, rules[0].Props["model"])
}

func TestStylesheetParseErrors(t *testing.T) {
	_, err := ParseStylesheet(`box model: x }`)
	assert.Error(t, err)

	_, err = ParseStylesheet(`box { model: x`)
	assert.Error(t, err)
}
