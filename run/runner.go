package run

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/andbeder/ClinicalGenius/ai/provider"
	"github.com/andbeder/ClinicalGenius/am"
	"github.com/andbeder/ClinicalGenius/batch"
	"github.com/andbeder/ClinicalGenius/csvx"
	"github.com/andbeder/ClinicalGenius/errors"
	"github.com/andbeder/ClinicalGenius/extract"
	"github.com/andbeder/ClinicalGenius/prompt"
	"github.com/andbeder/ClinicalGenius/wave"
)

const defaultRecordIDHeader = "Record ID"

// RecordSource is the dataset query capability the runner consumes.
// wave.Client satisfies it; tests substitute fakes.
type RecordSource interface {
	DatasetFields(ctx context.Context, datasetID string) ([]wave.Field, error)
	Query(ctx context.Context, datasetID string, spec wave.QuerySpec) ([]map[string]interface{}, error)
}

// Runner drives batch executions on background workers.
type Runner struct {
	cfg      *am.Config
	batches  *batch.Store
	status   *StatusStore
	history  *HistoryStore
	registry *Registry
	source   RecordSource
	gen      provider.Generator
	limiter  *rate.Limiter
	log      *zap.SugaredLogger
}

func NewRunner(cfg *am.Config, batches *batch.Store, status *StatusStore,
	history *HistoryStore, registry *Registry, source RecordSource,
	gen provider.Generator, log *zap.SugaredLogger) *Runner {

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.LLM.CallsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.LLM.CallsPerMinute)/60.0), 1)
	}

	return &Runner{
		cfg:      cfg,
		batches:  batches,
		status:   status,
		history:  history,
		registry: registry,
		source:   source,
		gen:      gen,
		limiter:  limiter,
		log:      log,
	}
}

// Execute starts a batch run on a background worker and returns its
// execution ID immediately. recordIDs, when non-empty, narrows the run to
// those records; blanks are discarded downstream. A batch with a live
// execution is rejected with ErrConflict.
func (r *Runner) Execute(batchID string, recordIDs []string) (string, error) {
	b, err := r.batches.GetBatch(batchID)
	if err != nil {
		return "", err
	}
	p, err := r.batches.GetPrompt(batchID)
	if err != nil {
		return "", errors.Wrap(err, "batch has no prompt configured")
	}

	var cfg *batch.DatasetConfig
	if b.DatasetConfigID != "" {
		cfg, err = r.batches.GetDatasetConfig(b.DatasetConfigID)
		if err != nil {
			return "", errors.Wrap(err, "batch references missing dataset config")
		}
	}

	// Without an identifier field the query cannot narrow to the requested
	// records; running the whole dataset instead would be a silent surprise.
	if len(requestedIDs(recordIDs)) > 0 && (cfg == nil || cfg.RecordIDField == "") {
		return "", errors.Wrap(errors.ErrInvalidRequest,
			"record identifiers require a dataset config with a record identifier field")
	}

	tracker, err := r.registry.Begin(batchID)
	if err != nil {
		return "", err
	}

	go r.work(tracker, b, p, cfg, recordIDs)

	return tracker.ExecutionID(), nil
}

// work is the batch worker. It owns the tracker: every mutation of the
// execution's state happens on this goroutine.
func (r *Runner) work(tracker *Tracker, b *batch.Batch, p *batch.PromptConfig,
	cfg *batch.DatasetConfig, recordIDs []string) {

	ctx := context.Background()
	start := time.Now()
	log := r.log.With("batch_id", b.ID, "execution_id", tracker.ExecutionID())

	fail := func(err error) {
		log.Errorw("batch execution failed", "error", err)
		tracker.Fail(err)
		if cpErr := r.status.Checkpoint(tracker.Snapshot()); cpErr != nil {
			log.Warnw("failed to checkpoint failed execution", "error", cpErr)
		}
		if upErr := r.batches.UpdateBatchStatus(b.ID, batch.StatusFailed, tracker.Snapshot().Current); upErr != nil {
			log.Warnw("failed to mark batch failed", "error", upErr)
		}
	}

	if err := r.batches.UpdateBatchStatus(b.ID, batch.StatusRunning, b.RecordCount); err != nil {
		fail(err)
		return
	}

	// Durable record of the started run, before any row work. A crash
	// anywhere after this point leaves a running checkpoint whose
	// updated_at exposes its staleness.
	if err := r.status.Checkpoint(tracker.Snapshot()); err != nil {
		log.Warnw("initial checkpoint failed", "error", err)
	}

	tracker.Message("Loading dataset fields...")
	fields, err := r.source.DatasetFields(ctx, b.DatasetID)
	if err != nil {
		fail(errors.Wrap(err, "failed to load dataset fields"))
		return
	}
	available := make([]string, len(fields))
	for i, f := range fields {
		available[i] = f.Name
	}

	idField := ""
	datasetFilter := ""
	if cfg != nil {
		idField = cfg.RecordIDField
		datasetFilter = cfg.SAQLFilter
	}

	queryFields := prompt.QueryFields(p.Template, available, idField)

	requested := requestedIDs(recordIDs)
	limit := r.cfg.Analytics.QueryLimit
	if len(requested) > 0 {
		limit = len(requested)
	}

	tracker.Message("Querying records...")
	rows, err := r.source.Query(ctx, b.DatasetID, wave.QuerySpec{
		Fields:        queryFields,
		DatasetFilter: datasetFilter,
		IDField:       idField,
		RecordIDs:     recordIDs,
		Limit:         limit,
	})
	if err != nil {
		fail(errors.Wrap(err, "record query failed"))
		return
	}

	// Requested identifiers the source did not return become row-level
	// errors rather than aborting the run.
	missing := missingIDs(requested, rows, idField)

	total := len(rows) + len(missing)
	tracker.Start(total, fmt.Sprintf("Processing %d records...", total))
	if err := r.status.Checkpoint(tracker.Snapshot()); err != nil {
		log.Warnw("checkpoint failed", "error", err)
	}

	params := r.generationParams(p)
	checkpointEvery := r.cfg.Execution.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = am.DefaultCheckpointEvery
	}

	results := make([]csvx.Row, 0, total)
	for idx, record := range rows {
		row := r.processRecord(ctx, idx, record, p, idField, params, log)
		results = append(results, row)

		_, isErr := row.Fields["error"]
		tracker.Advance(!isErr)

		if (idx+1)%checkpointEvery == 0 {
			if err := r.status.Checkpoint(tracker.Snapshot()); err != nil {
				log.Warnw("checkpoint failed", "error", err)
			}
		}
	}

	for _, id := range missing {
		results = append(results, csvx.Row{
			ID:     id,
			Fields: map[string]interface{}{"error": "record not found in dataset"},
		})
	}
	tracker.AddErrors(len(missing))

	tracker.Message("Generating CSV...")
	idHeader := idField
	if idHeader == "" {
		idHeader = defaultRecordIDHeader
	}
	csvData, err := csvx.Build(idHeader, results)
	if err != nil {
		fail(errors.Wrap(err, "failed to build CSV"))
		return
	}
	tracker.StoreCSV(csvData)

	snap := tracker.Snapshot()
	entry := &HistoryEntry{
		BatchID:          b.ID,
		BatchName:        b.Name,
		DatasetName:      b.DatasetName,
		TotalRecords:     total,
		SuccessCount:     snap.SuccessCount,
		ErrorCount:       snap.ErrorCount,
		ExecutionSeconds: time.Since(start).Seconds(),
		CSVData:          csvData,
		ExecutedAt:       time.Now().UTC(),
	}
	if err := r.history.Save(entry); err != nil {
		fail(errors.Wrap(err, "failed to save execution history"))
		return
	}

	tracker.Finish(fmt.Sprintf("Completed: %d succeeded, %d failed", snap.SuccessCount, snap.ErrorCount))
	if err := r.status.Checkpoint(tracker.Snapshot()); err != nil {
		log.Warnw("final checkpoint failed", "error", err)
	}

	finalStatus := batch.StatusCompleted
	if snap.ErrorCount > 0 {
		finalStatus = batch.StatusPartial
	}
	if err := r.batches.UpdateBatchStatus(b.ID, finalStatus, total); err != nil {
		log.Warnw("failed to update batch status", "error", err)
	}

	log.Infow("batch execution complete",
		"total", total,
		"succeeded", snap.SuccessCount,
		"failed", snap.ErrorCount,
		"duration", time.Since(start),
	)
}

// processRecord runs one record through render, generate, extract, and
// flatten. Failures are isolated to the row: the returned row carries an
// error column instead of response fields.
func (r *Runner) processRecord(ctx context.Context, idx int, record map[string]interface{},
	p *batch.PromptConfig, idField string, params provider.Params, log *zap.SugaredLogger) csvx.Row {

	recordID := resolveRecordID(record, idField, idx)

	if err := r.limiter.Wait(ctx); err != nil {
		return csvx.Row{ID: recordID, Fields: map[string]interface{}{"error": err.Error()}}
	}

	rendered := prompt.WithSchema(prompt.Build(p.Template, record), p.ResponseSchema)

	raw, err := r.gen.Generate(ctx, rendered, params)
	if err != nil {
		log.Warnw("generation failed for record", "record_id", recordID, "error", err)
		return csvx.Row{ID: recordID, Fields: map[string]interface{}{"error": err.Error()}}
	}

	obj, err := extract.Object(raw)
	if err != nil {
		// The model answered but not with parseable JSON; keep the raw
		// text so nothing is silently lost, and count the row as failed.
		log.Warnw("extraction failed for record", "record_id", recordID, "error", err)
		return csvx.Row{ID: recordID, Fields: map[string]interface{}{
			"error":        "response was not valid JSON",
			"raw_response": raw,
		}}
	}

	return csvx.Row{ID: recordID, Fields: extract.Flatten(obj)}
}

func (r *Runner) generationParams(p *batch.PromptConfig) provider.Params {
	params := provider.Params{
		Temperature: am.DefaultTemperature,
		MaxTokens:   am.DefaultMaxTokens,
		Timeout:     time.Duration(r.cfg.LLM.TimeoutSeconds) * time.Second,
	}
	if r.cfg.LLM.Temperature != nil {
		params.Temperature = *r.cfg.LLM.Temperature
	}
	if r.cfg.LLM.MaxTokens != nil {
		params.MaxTokens = *r.cfg.LLM.MaxTokens
	}
	if p.Temperature != nil {
		params.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		params.MaxTokens = *p.MaxTokens
	}
	if p.TimeoutSeconds != nil && *p.TimeoutSeconds > 0 {
		params.Timeout = time.Duration(*p.TimeoutSeconds) * time.Second
	}
	return params
}

func requestedIDs(recordIDs []string) []string {
	out := make([]string, 0, len(recordIDs))
	for _, id := range recordIDs {
		if strings.TrimSpace(id) != "" {
			out = append(out, id)
		}
	}
	return out
}

func missingIDs(requested []string, rows []map[string]interface{}, idField string) []string {
	if len(requested) == 0 || idField == "" {
		return nil
	}
	returned := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if v, ok := row[idField]; ok {
			returned[fmt.Sprintf("%v", v)] = struct{}{}
		}
	}
	var missing []string
	for _, id := range requested {
		if _, ok := returned[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func resolveRecordID(record map[string]interface{}, idField string, idx int) string {
	if idField != "" {
		if v, ok := record[idField]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprintf("%v", v)); s != "" {
				return s
			}
		}
	}
	for _, field := range []string{"Id", "id", "Name", "name"} {
		if v, ok := record[field]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprintf("%v", v)); s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("Record_%d", idx)
}
