package server

import (
	"net/http"

	"github.com/andbeder/ClinicalGenius/batch"
	"github.com/andbeder/ClinicalGenius/wave"
)

// handleListDatasets serves GET /api/datasets.
func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	datasets, err := s.source.ListDatasets(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"datasets": datasets})
}

// handleDatasetByID serves /api/datasets/{id}/fields and
// POST /api/datasets/{id}/query (ad-hoc preview query).
func (s *Server) handleDatasetByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/datasets/")
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing dataset ID")
		return
	}
	datasetID := parts[0]

	switch parts[1] {
	case "fields":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		fields, err := s.source.DatasetFields(r.Context(), datasetID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"fields": fields})

	case "query":
		s.handleDatasetQuery(w, r, datasetID)

	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

// handleDatasetQuery runs an ad-hoc query so the UI can preview rows
// before binding a dataset.
func (s *Server) handleDatasetQuery(w http.ResponseWriter, r *http.Request, datasetID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Fields []string `json:"fields"`
		Filter string   `json:"filter"`
		Limit  int      `json:"limit"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 10
	}

	rows, err := s.source.Query(r.Context(), datasetID, wave.QuerySpec{
		Fields:        req.Fields,
		DatasetFilter: req.Filter,
		Limit:         req.Limit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": rows,
		"count":   len(rows),
	})
}

// handleDatasetConfigs serves GET (list) and POST (create) on
// /api/dataset-configs.
func (s *Server) handleDatasetConfigs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		configs, err := s.batches.ListDatasetConfigs()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if configs == nil {
			configs = []*batch.DatasetConfig{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"configs": configs})

	case http.MethodPost:
		var c batch.DatasetConfig
		if err := readJSON(w, r, &c); err != nil {
			return
		}
		if c.Name == "" || c.DatasetID == "" || c.RecordIDField == "" {
			writeError(w, http.StatusBadRequest, "name, dataset_id, and record_id_field are required")
			return
		}
		if err := s.batches.CreateDatasetConfig(&c); err != nil {
			writeServiceError(w, err)
			return
		}
		s.log.Infow("dataset config created", "config_id", shortID(c.ID), "dataset_id", c.DatasetID)
		writeJSON(w, http.StatusCreated, &c)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleDatasetConfigByID serves /api/dataset-configs/{id} and the
// test-filter subresource.
func (s *Server) handleDatasetConfigByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/dataset-configs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing config ID")
		return
	}

	if parts[0] == "test-filter" {
		s.handleTestFilter(w, r)
		return
	}
	configID := parts[0]

	switch r.Method {
	case http.MethodGet:
		c, err := s.batches.GetDatasetConfig(configID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)

	case http.MethodPut:
		c, err := s.batches.GetDatasetConfig(configID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		var update batch.DatasetConfig
		if err := readJSON(w, r, &update); err != nil {
			return
		}
		update.ID = c.ID
		if err := s.batches.UpdateDatasetConfig(&update); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, &update)

	case http.MethodDelete:
		if err := s.batches.DeleteDatasetConfig(configID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleTestFilter validates a SAQL filter expression by running it
// against the dataset with a small limit, returning sample rows and the
// matched count so the user can sanity-check the expression before saving.
func (s *Server) handleTestFilter(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		DatasetID string   `json:"dataset_id"`
		Filter    string   `json:"filter"`
		Fields    []string `json:"fields"`
		Limit     int      `json:"limit"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.DatasetID == "" {
		writeError(w, http.StatusBadRequest, "dataset_id is required")
		return
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 5
	}

	rows, err := s.source.Query(r.Context(), req.DatasetID, wave.QuerySpec{
		Fields:        req.Fields,
		DatasetFilter: req.Filter,
		Limit:         req.Limit,
	})
	if err != nil {
		// A bad filter surfaces as a query error; report it as the
		// test result rather than a server failure.
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"records": rows,
		"count":   len(rows),
	})
}
