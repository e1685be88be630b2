package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andbeder/ClinicalGenius/ai/provider"
	"github.com/andbeder/ClinicalGenius/am"
	"github.com/andbeder/ClinicalGenius/batch"
	"github.com/andbeder/ClinicalGenius/errors"
	testdb "github.com/andbeder/ClinicalGenius/internal/testing"
	"github.com/andbeder/ClinicalGenius/run"
	"github.com/andbeder/ClinicalGenius/wave"
)

type stubSource struct {
	datasets []wave.Dataset
	fields   []wave.Field
	rows     []map[string]interface{}
	queryErr error
}

func (s *stubSource) ListDatasets(ctx context.Context) ([]wave.Dataset, error) {
	return s.datasets, nil
}

func (s *stubSource) DatasetFields(ctx context.Context, datasetID string) ([]wave.Field, error) {
	return s.fields, nil
}

func (s *stubSource) Query(ctx context.Context, datasetID string, spec wave.QuerySpec) ([]map[string]interface{}, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	if len(spec.RecordIDs) == 0 {
		return s.rows, nil
	}
	requested := make(map[string]struct{})
	for _, id := range spec.RecordIDs {
		if strings.TrimSpace(id) != "" {
			requested[id] = struct{}{}
		}
	}
	var out []map[string]interface{}
	for _, row := range s.rows {
		if _, ok := requested[fmt.Sprintf("%v", row[spec.IDField])]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

type stubGenerator struct {
	response string
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string, params provider.Params) (string, error) {
	return g.response, nil
}

func (g *stubGenerator) GenerateChat(ctx context.Context, messages []provider.Message, params provider.Params) (string, error) {
	return g.response, nil
}

type stubSchemas struct {
	schema string
	err    error
}

func (s *stubSchemas) Generate(ctx context.Context, description string) (string, error) {
	return s.schema, s.err
}

type fixture struct {
	srv      *httptest.Server
	batches  *batch.Store
	registry *run.Registry
	history  *run.HistoryStore
	source   *stubSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testdb.CreateMigratedTestDB(t)
	batches := batch.NewStore(db)
	status := run.NewStatusStore(db)
	history := run.NewHistoryStore(db)
	registry := run.NewRegistry()

	cfg := &am.Config{}
	cfg.Server.Port = 0
	cfg.LLM.TimeoutSeconds = 60
	cfg.Execution.CheckpointEvery = 10
	cfg.Analytics.QueryLimit = 10000

	source := &stubSource{
		datasets: []wave.Dataset{{ID: "ds1", Name: "Claims", Label: "Claims", CurrentVersionID: "v1"}},
		fields: []wave.Field{
			{Name: "Id", Type: "dimension", DataType: "Text"},
			{Name: "Diagnosis", Type: "dimension", DataType: "Text"},
		},
		rows: []map[string]interface{}{
			{"Id": "R1", "Diagnosis": "Hypertension"},
			{"Id": "R2", "Diagnosis": "Diabetes"},
		},
	}

	gen := &stubGenerator{response: `{"severity": "High"}`}
	runner := run.NewRunner(cfg, batches, status, history, registry, source, gen, zap.NewNop().Sugar())

	s := New(cfg, zap.NewNop().Sugar(), batches, runner, registry, status, history,
		source, &stubSchemas{schema: `{"severity": "string"}`})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{
		srv:      srv,
		batches:  batches,
		registry: registry,
		history:  history,
		source:   source,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func (f *fixture) createBatch(t *testing.T) *batch.Batch {
	t.Helper()
	dc := &batch.DatasetConfig{
		Name:          "binding",
		DatasetID:     "ds1",
		DatasetName:   "Claims",
		RecordIDField: "Id",
	}
	require.NoError(t, f.batches.CreateDatasetConfig(dc))

	b := &batch.Batch{Name: "Severity", DatasetID: "ds1", DatasetName: "Claims", DatasetConfigID: dc.ID}
	require.NoError(t, f.batches.CreateBatch(b))
	require.NoError(t, f.batches.SavePrompt(&batch.PromptConfig{
		BatchID:  b.ID,
		Template: "Assess {{Diagnosis}}",
	}))
	return b
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/analysis/batches", map[string]string{
		"name":       "Coding",
		"dataset_id": "ds1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	batchID := body["id"].(string)
	require.NotEmpty(t, batchID)

	resp, body = f.do(t, http.MethodGet, "/api/analysis/batches", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["batches"], 1)

	resp, body = f.do(t, http.MethodGet, "/api/analysis/batches/"+batchID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Coding", body["name"])

	resp, _ = f.do(t, http.MethodDelete, "/api/analysis/batches/"+batchID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/analysis/batches/"+batchID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchCreateValidation(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/analysis/batches", map[string]string{"name": "no dataset"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPromptSaveAndGet(t *testing.T) {
	f := newFixture(t)
	b := f.createBatch(t)

	resp, _ := f.do(t, http.MethodPost, "/api/analysis/prompts", map[string]interface{}{
		"batch_id":        b.ID,
		"prompt_template": "Grade {{Diagnosis}}",
		"response_schema": `{"grade": "string"}`,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/analysis/prompts/"+b.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Grade {{Diagnosis}}", body["prompt_template"])
}

func TestExecuteAndPollToCompletion(t *testing.T) {
	f := newFixture(t)
	b := f.createBatch(t)

	resp, body := f.do(t, http.MethodPost, "/api/analysis/execute", map[string]interface{}{
		"batch_id": b.ID,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	execID := body["execution_id"].(string)
	require.NotEmpty(t, execID)

	var snap map[string]interface{}
	require.Eventually(t, func() bool {
		resp, body := f.do(t, http.MethodGet, "/api/analysis/executions/"+execID, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		snap = body
		return body["complete"] == true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, float64(2), snap["success_count"])
	assert.Equal(t, float64(0), snap["error_count"])
	assert.Equal(t, true, snap["success"])

	// Artifact download by execution ID.
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/analysis/executions/"+execID+"/csv", nil)
	csvResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer csvResp.Body.Close()
	require.Equal(t, http.StatusOK, csvResp.StatusCode)
	assert.Contains(t, csvResp.Header.Get("Content-Type"), "text/csv")

	// Status endpoint serves the persisted snapshot once the worker is gone.
	resp, body = f.do(t, http.MethodGet, "/api/analysis/batches/"+b.ID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "persisted", body["source"])

	// History holds the run.
	resp, body = f.do(t, http.MethodGet, "/api/analysis/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["history"], 1)
}

func TestExecuteConflict(t *testing.T) {
	f := newFixture(t)
	b := f.createBatch(t)

	// Claim the batch directly so the HTTP start request collides.
	_, err := f.registry.Begin(b.ID)
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodPost, "/api/analysis/execute", map[string]interface{}{
		"batch_id": b.ID,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExecutionStatusNotFound(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/analysis/executions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProvingGroundOverHTTP(t *testing.T) {
	f := newFixture(t)
	b := f.createBatch(t)

	resp, body := f.do(t, http.MethodPost, "/api/analysis/proving-ground", map[string]interface{}{
		"batch_id":   b.ID,
		"record_ids": []string{"R1", "R9"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["results"], 1)
	notFound := body["not_found"].([]interface{})
	assert.Equal(t, []interface{}{"R9"}, notFound)
}

func TestPreviewOverHTTP(t *testing.T) {
	f := newFixture(t)
	b := f.createBatch(t)

	resp, body := f.do(t, http.MethodPost, "/api/analysis/preview", map[string]interface{}{
		"batch_id":        b.ID,
		"prompt_template": "Describe {{Diagnosis}}",
		"record_id":       "R2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Describe Diabetes", body["rendered_prompt"])
	assert.Equal(t, "R2", body["record_id"])
}

func TestSchemaGeneration(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/analysis/schema", map[string]string{
		"description": "a severity rating",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"severity": "string"}`, body["schema"])
}

func TestCombinedCSV(t *testing.T) {
	f := newFixture(t)
	b1 := f.createBatch(t)
	b2 := &batch.Batch{Name: "Coding", DatasetID: "ds1", DatasetName: "Claims"}
	require.NoError(t, f.batches.CreateBatch(b2))

	require.NoError(t, f.history.Save(&run.HistoryEntry{
		BatchID: b1.ID, BatchName: "Severity", DatasetName: "Claims",
		TotalRecords: 1, SuccessCount: 1,
		CSVData:    "Id,severity\nR1,High\n",
		ExecutedAt: time.Now().UTC(),
	}))
	require.NoError(t, f.history.Save(&run.HistoryEntry{
		BatchID: b2.ID, BatchName: "Coding", DatasetName: "Claims",
		TotalRecords: 1, SuccessCount: 1,
		CSVData:    "Id,code\nR1,E11.9\n",
		ExecutedAt: time.Now().UTC(),
	}))

	req, _ := http.NewRequest(http.MethodGet,
		f.srv.URL+fmt.Sprintf("/api/analysis/history/combined-csv?batch_id=%s&batch_id=%s", b1.ID, b2.ID), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	merged := buf.String()
	assert.Contains(t, merged, "Severity_severity")
	assert.Contains(t, merged, "Coding_code")
	assert.Contains(t, merged, "R1,High,E11.9")
}

func TestCombinedCSVQuotedJoinKey(t *testing.T) {
	f := newFixture(t)
	b1 := f.createBatch(t)
	b2 := &batch.Batch{Name: "Coding", DatasetID: "ds1", DatasetName: "Claims"}
	require.NoError(t, f.batches.CreateBatch(b2))

	// The identifier header contains a comma; the join key must be read
	// through CSV parsing, not a split on the first comma.
	require.NoError(t, f.history.Save(&run.HistoryEntry{
		BatchID: b1.ID, BatchName: "Severity", DatasetName: "Claims",
		TotalRecords: 1, SuccessCount: 1,
		CSVData:    "\"Patient, Id\",severity\nR1,High\n",
		ExecutedAt: time.Now().UTC(),
	}))
	require.NoError(t, f.history.Save(&run.HistoryEntry{
		BatchID: b2.ID, BatchName: "Coding", DatasetName: "Claims",
		TotalRecords: 1, SuccessCount: 1,
		CSVData:    "\"Patient, Id\",code\nR1,E11.9\n",
		ExecutedAt: time.Now().UTC(),
	}))

	req, _ := http.NewRequest(http.MethodGet,
		f.srv.URL+fmt.Sprintf("/api/analysis/history/combined-csv?batch_id=%s&batch_id=%s", b1.ID, b2.ID), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	merged := buf.String()
	assert.Contains(t, merged, "\"Patient, Id\"")
	assert.Contains(t, merged, "R1,High,E11.9")
}

func TestDatasetEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/datasets", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["datasets"], 1)

	resp, body = f.do(t, http.MethodGet, "/api/datasets/ds1/fields", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["fields"], 2)

	resp, body = f.do(t, http.MethodPost, "/api/datasets/ds1/query", map[string]interface{}{
		"fields": []string{"Id", "Diagnosis"},
		"limit":  5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
}

func TestDatasetConfigLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/dataset-configs", map[string]interface{}{
		"name":            "Prod claims",
		"dataset_id":      "ds1",
		"dataset_name":    "Claims",
		"record_id_field": "Id",
		"selected_fields": []string{"Diagnosis"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	configID := body["id"].(string)

	resp, body = f.do(t, http.MethodGet, "/api/dataset-configs/"+configID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Prod claims", body["name"])

	resp, _ = f.do(t, http.MethodDelete, "/api/dataset-configs/"+configID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/dataset-configs/"+configID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTestFilterReportsInvalidExpression(t *testing.T) {
	f := newFixture(t)
	f.source.queryErr = errors.New("analytics API returned status 400: bad SAQL")

	resp, body := f.do(t, http.MethodPost, "/api/dataset-configs/test-filter", map[string]interface{}{
		"dataset_id": "ds1",
		"filter":     `"Env" === "Prod"`,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["valid"])
	assert.Contains(t, body["error"], "bad SAQL")
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodDelete, "/api/analysis/execute", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
