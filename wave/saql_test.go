package wave

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSAQLFullQuery(t *testing.T) {
	saql := BuildSAQL("0Fb000000000001", "0Fc000000000001", QuerySpec{
		Fields:        []string{"Diagnosis", "Id"},
		DatasetFilter: `"Environment" == "Prod"`,
		IDField:       "Id",
		RecordIDs:     []string{"R1", "R2", "R3", "", " "},
		Limit:         100,
	})

	expected := `q = load "0Fb000000000001/0Fc000000000001";
q = filter q by "Environment" == "Prod";
q = filter q by "Id" in ["R1", "R2", "R3"];
q = foreach q generate Diagnosis, Id;
q = limit q 100;`
	assert.Equal(t, expected, saql)
}

func TestBuildSAQLDatasetFilterPrecedesIDFilter(t *testing.T) {
	saql := BuildSAQL("ds", "v1", QuerySpec{
		DatasetFilter: `"Env" == "Prod"`,
		IDField:       "Id",
		RecordIDs:     []string{"a"},
	})

	envIdx := indexOf(t, saql, `"Env" == "Prod"`)
	idIdx := indexOf(t, saql, `"Id" in`)
	assert.Less(t, envIdx, idIdx)
}

func TestBuildSAQLAllBlankIDsOmitsMembershipFilter(t *testing.T) {
	saql := BuildSAQL("ds", "v1", QuerySpec{
		IDField:   "Id",
		RecordIDs: []string{"", "   ", "\t"},
		Limit:     10,
	})
	assert.NotContains(t, saql, "in [")
	assert.Contains(t, saql, "q = limit q 10;")
}

func TestBuildSAQLNoOptionalClauses(t *testing.T) {
	saql := BuildSAQL("ds", "v1", QuerySpec{})
	assert.Equal(t, `q = load "ds/v1";`, saql)
}

func TestBuildSAQLNoIDFieldSkipsMembership(t *testing.T) {
	saql := BuildSAQL("ds", "v1", QuerySpec{RecordIDs: []string{"a", "b"}})
	assert.NotContains(t, saql, "in [")
}

func indexOf(t *testing.T, s, sub string) int {
	t.Helper()
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	t.Fatalf("substring %q not found in %q", sub, s)
	return -1
}
