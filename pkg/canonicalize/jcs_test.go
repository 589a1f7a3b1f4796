package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]interface{}{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(out))
}

func TestJCSRespectsStructTags(t *testing.T) {
	in := struct {
		Zulu  string `json:"zulu"`
		Alpha string `json:"alpha"`
	}{"z", "a"}

	out, err := JCS(in)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","zulu":"z"}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"k": "<a>&</a>"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "<a>&</a>")
}

func TestCanonicalHashDeterministic(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": []string{"p", "q"}}
	b := map[string]interface{}{"y": []string{"p", "q"}, "x": 1}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestShortHash(t *testing.T) {
	h := ShortHash([]byte("controller|2026-01-01"), 16)
	assert.Len(t, h, 16)
	assert.Equal(t, HashBytes([]byte("controller|2026-01-01"))[:16], h)

	// n larger than the digest clamps to full length
	assert.Len(t, ShortHash([]byte("x"), 100), 64)
}
