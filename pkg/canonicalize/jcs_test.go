package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(out))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]any{"url": "https://example.com/?a=1&b=<2>"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "&b=<2>")
}

func TestJCS_RespectsStructTags(t *testing.T) {
	type payload struct {
		Amount float64 `json:"amount"`
		Memo   string  `json:"memo,omitempty"`
	}
	out, err := JCS(payload{Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, `{"amount":5}`, string(out))
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	a, err := CanonicalHash(map[string]any{"x": 1, "y": []any{"p", "q"}})
	require.NoError(t, err)
	b, err := CanonicalHash(map[string]any{"y": []any{"p", "q"}, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestCanonicalHash_SensitiveToContent(t *testing.T) {
	a, err := CanonicalHash(map[string]any{"x": 1})
	require.NoError(t, err)
	b, err := CanonicalHash(map[string]any{"x": 2})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
