package wave

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "v60.0", StaticToken("test-token"), 5*time.Second, zap.NewNop().Sugar())
}

func TestListDatasets(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/data/v60.0/wave/datasets", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"datasets": []map[string]interface{}{
				{"id": "ds1", "name": "Claims", "currentVersionId": "v1", "totalRows": 1200},
			},
		})
	}))

	datasets, err := client.ListDatasets(context.Background())
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.Equal(t, "ds1", datasets[0].ID)
	assert.Equal(t, "Claims", datasets[0].Label)
	assert.Equal(t, int64(1200), datasets[0].RowCount)
}

func TestDatasetFields(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/services/data/v60.0/wave/datasets/ds1":
			json.NewEncoder(w).Encode(map[string]string{"currentVersionId": "v7"})
		case "/services/data/v60.0/wave/datasets/ds1/versions/v7/xmds/main":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"dimensions": []map[string]string{{"field": "Diagnosis", "label": "Diagnosis Description"}},
				"measures":   []map[string]string{{"field": "Score"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))

	fields, err := client.DatasetFields(context.Background(), "ds1")
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, Field{Name: "Diagnosis", Label: "Diagnosis Description", Type: "dimension", DataType: "Text"}, fields[0])
	assert.Equal(t, Field{Name: "Score", Label: "Score", Type: "measure", DataType: "Numeric"}, fields[1])
}

func TestQueryUnwrapsValues(t *testing.T) {
	var gotSAQL string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/services/data/v60.0/wave/datasets/ds1":
			json.NewEncoder(w).Encode(map[string]string{"currentVersionId": "v7"})
		case "/services/data/v60.0/wave/query":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			gotSAQL = body["query"]
			json.NewEncoder(w).Encode(map[string]interface{}{
				"results": map[string]interface{}{
					"records": []map[string]interface{}{
						{
							"Id":        map[string]interface{}{"value": "R1"},
							"Diagnosis": map[string]interface{}{"value": "Hypertension"},
							"Score":     float64(3),
						},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))

	rows, err := client.Query(context.Background(), "ds1", QuerySpec{
		Fields: []string{"Id", "Diagnosis", "Score"},
		Limit:  50,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "R1", rows[0]["Id"])
	assert.Equal(t, "Hypertension", rows[0]["Diagnosis"])
	assert.Equal(t, float64(3), rows[0]["Score"])
	assert.Contains(t, gotSAQL, `q = load "ds1/v7";`)
	assert.Contains(t, gotSAQL, "q = limit q 50;")
}

func TestQueryErrorStatus(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/services/data/v60.0/wave/datasets/ds1" {
			json.NewEncoder(w).Encode(map[string]string{"currentVersionId": "v7"})
			return
		}
		http.Error(w, "bad SAQL", http.StatusBadRequest)
	}))

	_, err := client.Query(context.Background(), "ds1", QuerySpec{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestMissingToken(t *testing.T) {
	client := NewClient("http://localhost", "v60.0", StaticToken(""), time.Second, zap.NewNop().Sugar())
	_, err := client.ListDatasets(context.Background())
	assert.Error(t, err)
}

func TestDatasetMissingVersion(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	_, err := client.DatasetFields(context.Background(), "ds1")
	assert.Error(t, err)
}
