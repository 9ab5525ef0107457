package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	b, err := JCS(map[string]any{"b": 1, "a": 2, "c": nil})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":null}`, string(b))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]any{"note": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"note":"a<b>&c"}`, string(b))
}

func TestArgsHashIgnoresKeyOrder(t *testing.T) {
	h1, err := ArgsHash("create_loadout", map[string]any{"ship_ref_id": "r", "name": "Alpha"})
	require.NoError(t, err)
	h2, err := ArgsHash("create_loadout", map[string]any{"name": "Alpha", "ship_ref_id": "r"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestArgsHashDiscriminatesTool(t *testing.T) {
	args := map[string]any{"name": "Alpha"}
	h1, err := ArgsHash("create_loadout", args)
	require.NoError(t, err)
	h2, err := ArgsHash("update_loadout", args)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestCanonicalHashStability(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	props := gopter.NewProperties(params)

	props.Property("hash is deterministic for any string map", prop.ForAll(
		func(k, v string) bool {
			m := map[string]any{k: v}
			h1, err1 := CanonicalHash(m)
			h2, err2 := CanonicalHash(m)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.AnyString(), gen.AnyString(),
	))

	props.TestingRun(t)
}
