package wave

import (
	"fmt"
	"strings"
)

// QuerySpec describes one dataset query before it is rendered to SAQL.
//
// DatasetFilter is a raw SAQL predicate from the dataset configuration
// (for example `"Environment" == "Prod"`). RecordIDs, when present, narrow
// the query to specific rows via a single batched membership filter on
// IDField. Both filters apply conjunctively with the dataset filter first,
// so an identifier lookup can never escape the configured subset.
type QuerySpec struct {
	Fields        []string
	DatasetFilter string
	IDField       string
	RecordIDs     []string
	Limit         int
}

// BuildSAQL renders the query against a concrete dataset version.
// Blank or whitespace-only record identifiers are discarded; if none
// survive, no membership filter is emitted at all, since an `in` over an
// empty list is not a valid SAQL predicate.
func BuildSAQL(datasetID, versionID string, spec QuerySpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "q = load %q;", datasetID+"/"+versionID)

	if f := strings.TrimSpace(spec.DatasetFilter); f != "" {
		fmt.Fprintf(&b, "\nq = filter q by %s;", f)
	}

	if ids := nonBlank(spec.RecordIDs); len(ids) > 0 && spec.IDField != "" {
		quoted := make([]string, len(ids))
		for i, id := range ids {
			quoted[i] = fmt.Sprintf("%q", id)
		}
		fmt.Fprintf(&b, "\nq = filter q by %q in [%s];", spec.IDField, strings.Join(quoted, ", "))
	}

	// Field names in the projection are intentionally unquoted; the wave
	// query endpoint rejects quoted identifiers inside foreach generate.
	if len(spec.Fields) > 0 {
		fmt.Fprintf(&b, "\nq = foreach q generate %s;", strings.Join(spec.Fields, ", "))
	}

	if spec.Limit > 0 {
		fmt.Fprintf(&b, "\nq = limit q %d;", spec.Limit)
	}

	return b.String()
}

func nonBlank(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) != "" {
			out = append(out, id)
		}
	}
	return out
}
