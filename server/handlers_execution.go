package server

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"

	"github.com/andbeder/ClinicalGenius/csvx"
	"github.com/andbeder/ClinicalGenius/errors"
)

// handleExecute starts a background batch run and returns its execution ID
// immediately.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		BatchID   string   `json:"batch_id"`
		RecordIDs []string `json:"record_ids"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.BatchID == "" {
		writeError(w, http.StatusBadRequest, "batch_id is required")
		return
	}

	execID, err := s.runner.Execute(req.BatchID, req.RecordIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.log.Infow("batch execution started",
		"batch_id", shortID(req.BatchID),
		"execution_id", shortID(execID),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
}

// handleExecutionByID serves /api/analysis/executions/{id} (progress
// snapshot) and /api/analysis/executions/{id}/csv (artifact download).
func (s *Server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/analysis/executions/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing execution ID")
		return
	}
	execID := parts[0]

	if len(parts) > 1 && parts[1] == "csv" {
		s.handleExecutionCSV(w, execID)
		return
	}

	snap, ok := s.registry.Get(execID)
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleExecutionCSV(w http.ResponseWriter, execID string) {
	data, ok := s.registry.CSV(execID)
	if !ok {
		writeError(w, http.StatusNotFound, "no CSV artifact for execution")
		return
	}
	serveCSV(w, fmt.Sprintf("execution_%s.csv", shortID(execID)), data)
}

// handleBatchStatus answers "is this batch running" from in-process state
// when the worker is alive, and otherwise falls back to the last durable
// checkpoint. The source field tells the caller which one it got; a
// persisted snapshot's updated_at reveals its staleness.
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request, batchID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	if snap, ok := s.registry.ActiveForBatch(batchID); ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"source":   "live",
			"snapshot": snap,
		})
		return
	}

	snap, err := s.status.Load(batchID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":   "persisted",
		"snapshot": snap,
	})
}

// handleBatchCSV serves the batch's most recent run artifact from history.
func (s *Server) handleBatchCSV(w http.ResponseWriter, r *http.Request, batchID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	entry, err := s.history.Get(batchID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	serveCSV(w, fmt.Sprintf("batch_%s.csv", sanitizeFilename(entry.BatchName)), entry.CSVData)
}

// handleHistoryList serves GET /api/analysis/history: run summaries
// without CSV payloads, and the combined-csv subresource.
func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	entries, err := s.history.List()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

// handleHistoryByBatch serves /api/analysis/history/combined-csv,
// /api/analysis/history/{batch_id}/csv, and DELETE
// /api/analysis/history/{batch_id}.
func (s *Server) handleHistoryByBatch(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/analysis/history/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing batch ID")
		return
	}

	if parts[0] == "combined-csv" {
		s.handleCombinedCSV(w, r)
		return
	}
	batchID := parts[0]

	if len(parts) > 1 && parts[1] == "csv" {
		s.handleBatchCSV(w, r, batchID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, err := s.history.Get(batchID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)

	case http.MethodDelete:
		if err := s.history.Delete(batchID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleCombinedCSV merges the stored artifacts of several batches into
// one wide table joined on the shared identifier column.
func (s *Server) handleCombinedCSV(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	batchIDs := r.URL.Query()["batch_id"]
	if len(batchIDs) == 0 {
		all, err := s.history.List()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		for _, e := range all {
			batchIDs = append(batchIDs, e.BatchID)
		}
	}
	if len(batchIDs) == 0 {
		writeError(w, http.StatusNotFound, "no execution history to combine")
		return
	}

	joinKey := ""
	tables := make([]csvx.Table, 0, len(batchIDs))
	for _, id := range batchIDs {
		entry, err := s.history.Get(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if joinKey == "" {
			joinKey = firstColumn(entry.CSVData)
		}
		tables = append(tables, csvx.Table{Name: entry.BatchName, CSV: entry.CSVData})
	}
	if joinKey == "" {
		writeError(w, http.StatusUnprocessableEntity, "stored artifacts have no identifier column")
		return
	}

	merged, err := csvx.Merge(joinKey, tables)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	serveCSV(w, "combined_batches.csv", merged)
}

// handleProvingGround runs the batch's prompt over explicit record IDs
// synchronously and returns every intermediate stage per record.
func (s *Server) handleProvingGround(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		BatchID   string   `json:"batch_id"`
		RecordIDs []string `json:"record_ids"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.BatchID == "" {
		writeError(w, http.StatusBadRequest, "batch_id is required")
		return
	}

	results, notFound, err := s.runner.ProvingGround(r.Context(), req.BatchID, req.RecordIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if len(results) == 0 {
		writeServiceError(w, errors.Wrapf(errors.ErrNotFound,
			"no records matched the provided IDs (not found: %s)", strings.Join(notFound, ", ")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":   results,
		"not_found": notFound,
	})
}

func serveCSV(w http.ResponseWriter, filename, data string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(data))
}

// firstColumn reads the header through encoding/csv so quoted identifier
// headers (embedded commas, escaped quotes) parse the same way Merge
// parses them.
func firstColumn(csvData string) string {
	header, err := csv.NewReader(strings.NewReader(csvData)).Read()
	if err != nil || len(header) == 0 {
		return ""
	}
	return header[0]
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
