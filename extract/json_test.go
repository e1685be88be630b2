package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectPlainJSON(t *testing.T) {
	obj, err := Object(`{"severity": "High", "score": 3}`)
	require.NoError(t, err)
	assert.Equal(t, "High", obj["severity"])
	assert.Equal(t, float64(3), obj["score"])
}

func TestObjectWithReasoningPreamble(t *testing.T) {
	raw := "Let me think about this case.\n" +
		"The patient presents with elevated markers, so severity is high.\n" +
		"<|assistant|> Here is the requested schema: " +
		`{"type": "object", "properties": {"severity": {"type": "string"}}}` + "\n" +
		"And the answer:\n" +
		`{"severity": "High"}`

	obj, err := Object(raw)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"severity": "High"}, obj)
}

func TestObjectInsideMarkdownFence(t *testing.T) {
	raw := "```json\n{\"risk\": \"Low\", \"confidence\": 0.9}\n```"
	obj, err := Object(raw)
	require.NoError(t, err)
	assert.Equal(t, "Low", obj["risk"])
	assert.Equal(t, 0.9, obj["confidence"])
}

func TestObjectStripsSchemaMetadata(t *testing.T) {
	raw := `{"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"title": "Assessment",
		"properties": {"severity": {"type": "string"}},
		"required": ["severity"],
		"severity": "Moderate"}`

	obj, err := Object(raw)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"severity": "Moderate"}, obj)
}

func TestObjectNestedBraces(t *testing.T) {
	raw := `prose {"outer": {"inner": {"deep": 1}}, "flag": true}`
	obj, err := Object(raw)
	require.NoError(t, err)
	assert.Equal(t, true, obj["flag"])
	outer, ok := obj["outer"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, outer, "inner")
}

func TestObjectNoBraces(t *testing.T) {
	_, err := Object("the model refused to answer")
	assert.Error(t, err)
}

func TestObjectUnbalanced(t *testing.T) {
	_, err := Object(`"severity": "High"}`)
	assert.Error(t, err)
}

func TestObjectMalformedJSON(t *testing.T) {
	_, err := Object(`{"severity": High}`)
	assert.Error(t, err)
}

func TestFlattenNestedObject(t *testing.T) {
	flat := Flatten(map[string]interface{}{
		"details": map[string]interface{}{
			"a": float64(1),
			"b": "x",
		},
		"severity": "High",
	})

	assert.Equal(t, map[string]interface{}{
		"details.a": float64(1),
		"details.b": "x",
		"severity":  "High",
	}, flat)
}

func TestFlattenIdempotentOnFlatInput(t *testing.T) {
	in := map[string]interface{}{"a": float64(1), "b": "x"}
	assert.Equal(t, in, Flatten(in))
}

func TestFlattenArraysBecomeJSONStrings(t *testing.T) {
	flat := Flatten(map[string]interface{}{
		"tags": []interface{}{"a", "b"},
		"nested": map[string]interface{}{
			"scores": []interface{}{float64(1), float64(2)},
		},
	})

	assert.Equal(t, `["a","b"]`, flat["tags"])
	assert.Equal(t, `[1,2]`, flat["nested.scores"])
}

func TestFlattenDeepNesting(t *testing.T) {
	flat := Flatten(map[string]interface{}{
		"a": map[string]interface{}{
			"b": map[string]interface{}{
				"c": "leaf",
			},
		},
	})
	assert.Equal(t, map[string]interface{}{"a.b.c": "leaf"}, flat)
}
