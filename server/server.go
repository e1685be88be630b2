// Package server exposes the ClinicalGenius HTTP API: batch and prompt
// management, dataset discovery, batch execution with progress polling,
// CSV artifact download, and a WebSocket progress stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/andbeder/ClinicalGenius/am"
	"github.com/andbeder/ClinicalGenius/batch"
	"github.com/andbeder/ClinicalGenius/run"
	"github.com/andbeder/ClinicalGenius/wave"
)

// DatasetSource is the CRM Analytics capability the server exposes to the
// UI. wave.Client satisfies it.
type DatasetSource interface {
	ListDatasets(ctx context.Context) ([]wave.Dataset, error)
	DatasetFields(ctx context.Context, datasetID string) ([]wave.Field, error)
	Query(ctx context.Context, datasetID string, spec wave.QuerySpec) ([]map[string]interface{}, error)
}

// SchemaGenerator produces response schemas from plain-language
// descriptions. schema.Service satisfies it.
type SchemaGenerator interface {
	Generate(ctx context.Context, description string) (string, error)
}

// Server is the ClinicalGenius HTTP server.
type Server struct {
	cfg      *am.Config
	log      *zap.SugaredLogger
	batches  *batch.Store
	runner   *run.Runner
	registry *run.Registry
	status   *run.StatusStore
	history  *run.HistoryStore
	source   DatasetSource
	schemas  SchemaGenerator
	hub      *progressHub

	httpServer *http.Server
}

// New wires the server and subscribes its progress hub to the execution
// registry, so every tracker mutation reaches WebSocket clients.
func New(cfg *am.Config, log *zap.SugaredLogger, batches *batch.Store,
	runner *run.Runner, registry *run.Registry, status *run.StatusStore,
	history *run.HistoryStore, source DatasetSource, schemas SchemaGenerator) *Server {

	s := &Server{
		cfg:      cfg,
		log:      log,
		batches:  batches,
		runner:   runner,
		registry: registry,
		status:   status,
		history:  history,
		source:   source,
		schemas:  schemas,
		hub:      newProgressHub(cfg.Server.AllowedOrigins, log),
	}
	registry.Subscribe(s.hub.Broadcast)
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/analysis/batches", s.handleBatches)
	mux.HandleFunc("/api/analysis/batches/", s.handleBatchByID)
	mux.HandleFunc("/api/analysis/prompts", s.handleSavePrompt)
	mux.HandleFunc("/api/analysis/prompts/", s.handleGetPrompt)
	mux.HandleFunc("/api/analysis/preview", s.handlePreview)
	mux.HandleFunc("/api/analysis/schema", s.handleGenerateSchema)
	mux.HandleFunc("/api/analysis/proving-ground", s.handleProvingGround)
	mux.HandleFunc("/api/analysis/execute", s.handleExecute)
	mux.HandleFunc("/api/analysis/executions/", s.handleExecutionByID)
	mux.HandleFunc("/api/analysis/history", s.handleHistoryList)
	mux.HandleFunc("/api/analysis/history/", s.handleHistoryByBatch)

	mux.HandleFunc("/api/datasets", s.handleListDatasets)
	mux.HandleFunc("/api/datasets/", s.handleDatasetByID)
	mux.HandleFunc("/api/dataset-configs", s.handleDatasetConfigs)
	mux.HandleFunc("/api/dataset-configs/", s.handleDatasetConfigByID)

	mux.HandleFunc("/ws/progress", s.hub.handleWS)

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("HTTP server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
