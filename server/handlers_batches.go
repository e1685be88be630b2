package server

import (
	"net/http"

	"github.com/andbeder/ClinicalGenius/batch"
	"github.com/andbeder/ClinicalGenius/prompt"
)

// handleBatches serves GET (list) and POST (create) on /api/analysis/batches.
func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		batches, err := s.batches.ListBatches()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if batches == nil {
			batches = []*batch.Batch{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"batches": batches})

	case http.MethodPost:
		var b batch.Batch
		if err := readJSON(w, r, &b); err != nil {
			return
		}
		if b.Name == "" || b.DatasetID == "" {
			writeError(w, http.StatusBadRequest, "name and dataset_id are required")
			return
		}
		if err := s.batches.CreateBatch(&b); err != nil {
			writeServiceError(w, err)
			return
		}
		s.log.Infow("batch created", "batch_id", shortID(b.ID), "name", b.Name)
		writeJSON(w, http.StatusCreated, &b)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleBatchByID serves /api/analysis/batches/{id} and its subresources
// {id}/fields, {id}/status, {id}/csv.
func (s *Server) handleBatchByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/analysis/batches/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing batch ID")
		return
	}
	batchID := parts[0]

	if len(parts) > 1 {
		switch parts[1] {
		case "fields":
			s.handleBatchFields(w, r, batchID)
		case "status":
			s.handleBatchStatus(w, r, batchID)
		case "csv":
			s.handleBatchCSV(w, r, batchID)
		default:
			writeError(w, http.StatusNotFound, "unknown resource")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		b, err := s.batches.GetBatch(batchID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)

	case http.MethodPut:
		b, err := s.batches.GetBatch(batchID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		var update batch.Batch
		if err := readJSON(w, r, &update); err != nil {
			return
		}
		b.Name = update.Name
		b.Description = update.Description
		if update.DatasetID != "" {
			b.DatasetID = update.DatasetID
			b.DatasetName = update.DatasetName
		}
		if update.DatasetConfigID != "" {
			b.DatasetConfigID = update.DatasetConfigID
		}
		if err := s.batches.UpdateBatch(b); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)

	case http.MethodDelete:
		if err := s.batches.DeleteBatch(batchID); err != nil {
			writeServiceError(w, err)
			return
		}
		s.log.Infow("batch deleted", "batch_id", shortID(batchID))
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleBatchFields returns the batch's dataset fields plus a validation
// of the saved template against them.
func (s *Server) handleBatchFields(w http.ResponseWriter, r *http.Request, batchID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	b, err := s.batches.GetBatch(batchID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	fields, err := s.source.DatasetFields(r.Context(), b.DatasetID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := map[string]interface{}{"fields": fields}

	if p, err := s.batches.GetPrompt(batchID); err == nil {
		names := make([]string, len(fields))
		for i, f := range fields {
			names[i] = f.Name
		}
		resp["template_fields"] = prompt.ExtractVariables(p.Template)
		if err := prompt.Validate(p.Template, names); err != nil {
			resp["template_error"] = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSavePrompt upserts a batch's prompt configuration.
func (s *Server) handleSavePrompt(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var p batch.PromptConfig
	if err := readJSON(w, r, &p); err != nil {
		return
	}
	if p.BatchID == "" || p.Template == "" {
		writeError(w, http.StatusBadRequest, "batch_id and prompt_template are required")
		return
	}

	if _, err := s.batches.GetBatch(p.BatchID); err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.batches.SavePrompt(&p); err != nil {
		writeServiceError(w, err)
		return
	}
	s.log.Infow("prompt saved", "batch_id", shortID(p.BatchID))
	writeJSON(w, http.StatusOK, &p)
}

// handleGetPrompt serves /api/analysis/prompts/{batch_id}.
func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/analysis/prompts/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing batch ID")
		return
	}

	p, err := s.batches.GetPrompt(parts[0])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePreview renders (and executes) a possibly-unsaved template against
// one sample record.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		BatchID        string `json:"batch_id"`
		PromptTemplate string `json:"prompt_template"`
		ResponseSchema string `json:"response_schema"`
		RecordID       string `json:"record_id"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.BatchID == "" || req.PromptTemplate == "" {
		writeError(w, http.StatusBadRequest, "batch_id and prompt_template are required")
		return
	}

	result, err := s.runner.Preview(r.Context(), req.BatchID, req.PromptTemplate, req.ResponseSchema, req.RecordID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
