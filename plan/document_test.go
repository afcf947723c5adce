package plan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDocumentRoundTrip(t *testing.T) {
	doc, err := FromValue(map[string]any{
		"text":  "hello",
		"count": 3,
		"ratio": 0.5,
		"flags": []any{true, nil},
		"nested": map[string]any{
			"deep": []string{"a", "b"},
		},
	})
	require.NoError(t, err)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var back Document
	require.NoError(t, json.Unmarshal(data, &back))
	require.True(t, doc.Equal(back), "round trip changed the document")

	m, ok := back.Map()
	require.True(t, ok)
	require.Equal(t, int64(3), m["count"], "integers survive as integers")
	require.Equal(t, 0.5, m["ratio"])
}

func TestDocumentNormalization(t *testing.T) {
	doc, err := FromValue(42)
	require.NoError(t, err)
	require.Equal(t, int64(42), doc.Value())

	doc, err = FromValue(uint32(7))
	require.NoError(t, err)
	require.Equal(t, int64(7), doc.Value())

	doc, err = FromValue(float32(1.5))
	require.NoError(t, err)
	require.Equal(t, 1.5, doc.Value())

	doc, err = FromValue(nil)
	require.NoError(t, err)
	require.True(t, doc.IsNull())

	type payload struct {
		Name string `json:"name"`
		Size int    `json:"size"`
	}
	doc, err = FromValue(payload{Name: "x", Size: 9})
	require.NoError(t, err)
	m, ok := doc.Map()
	require.True(t, ok)
	require.Equal(t, "x", m["name"])
	require.Equal(t, int64(9), m["size"])
}

func TestDocumentCloneIsolation(t *testing.T) {
	doc, err := FromValue(map[string]any{"list": []any{int64(1)}})
	require.NoError(t, err)

	clone := doc.Clone()
	m, ok := clone.Map()
	require.True(t, ok)
	m["list"].([]any)[0] = int64(99)
	m["extra"] = "added"

	orig, _ := doc.Map()
	require.Equal(t, int64(1), orig["list"].([]any)[0])
	require.NotContains(t, orig, "extra")
}

func TestDocumentEqualDistinguishesNumbers(t *testing.T) {
	a, err := FromValue(int64(1))
	require.NoError(t, err)
	b, err := FromValue(float64(1))
	require.NoError(t, err)
	require.False(t, a.Equal(b))
}

func TestDocumentZeroIsNull(t *testing.T) {
	var doc Document
	require.True(t, doc.IsNull())
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.Equal(t, "null", string(data))
}
