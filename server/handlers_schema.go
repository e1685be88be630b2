package server

import (
	"net/http"
)

// handleGenerateSchema turns a plain-language description into JSON schema
// text via the generation backend.
func (s *Server) handleGenerateSchema(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Description string `json:"description"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	generated, err := s.schemas.Generate(r.Context(), req.Description)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"schema": generated})
}
