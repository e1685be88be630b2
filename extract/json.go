// Package extract recovers structured JSON from unconstrained model output
// and flattens nested objects for tabular export.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/andbeder/ClinicalGenius/errors"
)

// schemaMetadataKeys are top-level keys that describe a JSON schema rather
// than data. Backends frequently echo the requested schema alongside (or
// instead of) the answer; these keys are stripped after a successful parse.
var schemaMetadataKeys = map[string]struct{}{
	"$schema":              {},
	"$id":                  {},
	"$ref":                 {},
	"type":                 {},
	"properties":           {},
	"required":             {},
	"title":                {},
	"description":          {},
	"definitions":          {},
	"additionalProperties": {},
	"items":                {},
}

// Object recovers exactly one JSON object from raw model output.
//
// The output may contain reasoning prose, control tokens, markdown fences,
// or a restatement of the requested schema before the actual answer. The
// scan anchors on the last '}' in the text and walks backwards maintaining
// a brace depth counter; when depth returns to zero, the span from the
// matching '{' to that last '}' is the candidate object. This is robust to
// arbitrary prefix content because the final closing brace is reliably the
// end of the answer.
//
// Schema-metadata keys present at the top level are removed from the parsed
// object. A parse failure is returned as an error for the caller to treat
// as a per-record failure, never as a batch-fatal condition.
func Object(raw string) (map[string]interface{}, error) {
	last := strings.LastIndexByte(raw, '}')
	if last == -1 {
		return nil, errors.Newf("no JSON object in response (%d bytes)", len(raw))
	}

	depth := 0
	start := -1
	for i := last; i >= 0; i-- {
		switch raw[i] {
		case '}':
			depth++
		case '{':
			depth--
			if depth == 0 {
				start = i
			}
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return nil, errors.New("unbalanced braces in response")
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw[start:last+1]), &parsed); err != nil {
		return nil, errors.Wrap(err, "failed to parse extracted JSON object")
	}

	for key := range parsed {
		if _, ok := schemaMetadataKeys[key]; ok {
			delete(parsed, key)
		}
	}

	return parsed, nil
}

// Flatten converts a nested JSON object into a flat mapping with dot-joined
// keys. Nested objects recurse to arbitrary depth; arrays are serialized to
// JSON strings, since they cannot be losslessly expanded into scalar
// columns. Flattening an already-flat mapping returns an equal mapping.
func Flatten(obj map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{}, len(obj))
	flattenInto(flat, "", obj)
	return flat
}

func flattenInto(flat map[string]interface{}, prefix string, obj map[string]interface{}) {
	for key, value := range obj {
		joined := key
		if prefix != "" {
			joined = prefix + "." + key
		}

		switch v := value.(type) {
		case map[string]interface{}:
			flattenInto(flat, joined, v)
		case []interface{}:
			encoded, err := json.Marshal(v)
			if err != nil {
				// Marshal of decoded JSON values cannot realistically fail;
				// fall back to the Go representation rather than dropping data.
				flat[joined] = strings.TrimSpace(strings.ReplaceAll(jsonFallback(v), "\n", " "))
				continue
			}
			flat[joined] = string(encoded)
		default:
			flat[joined] = value
		}
	}
}

func jsonFallback(v interface{}) string {
	b, _ := json.Marshal(map[string]interface{}{"value": v})
	return string(b)
}
