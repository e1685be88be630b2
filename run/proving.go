package run

import (
	"context"

	"github.com/andbeder/ClinicalGenius/batch"
	"github.com/andbeder/ClinicalGenius/errors"
	"github.com/andbeder/ClinicalGenius/extract"
	"github.com/andbeder/ClinicalGenius/prompt"
	"github.com/andbeder/ClinicalGenius/wave"
)

// ProvingResult is the outcome of running one record through the full
// pipeline synchronously: every intermediate stage is returned so the user
// can see exactly what the model was asked and what came back before
// committing to a full batch run.
type ProvingResult struct {
	RecordID       string                 `json:"record_id"`
	SampleRecord   map[string]interface{} `json:"sample_record,omitempty"`
	RenderedPrompt string                 `json:"rendered_prompt"`
	RawResponse    string                 `json:"raw_response"`
	Parsed         map[string]interface{} `json:"parsed,omitempty"`
	Flattened      map[string]interface{} `json:"flattened,omitempty"`
	ExtractError   string                 `json:"extract_error,omitempty"`
}

type runContext struct {
	batch   *batch.Batch
	prompt  *batch.PromptConfig
	config  *batch.DatasetConfig
	fields  []string
	idField string
	filter  string
}

func (r *Runner) loadRunContext(batchID string) (*runContext, error) {
	b, err := r.batches.GetBatch(batchID)
	if err != nil {
		return nil, err
	}
	p, err := r.batches.GetPrompt(batchID)
	if err != nil {
		return nil, errors.Wrap(err, "batch has no prompt configured")
	}

	rc := &runContext{batch: b, prompt: p}
	if b.DatasetConfigID != "" {
		rc.config, err = r.batches.GetDatasetConfig(b.DatasetConfigID)
		if err != nil {
			return nil, errors.Wrap(err, "batch references missing dataset config")
		}
		rc.idField = rc.config.RecordIDField
		rc.filter = rc.config.SAQLFilter
	}
	return rc, nil
}

func (r *Runner) availableFields(ctx context.Context, datasetID string) ([]string, error) {
	fields, err := r.source.DatasetFields(ctx, datasetID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load dataset fields")
	}
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names, nil
}

// Preview renders and executes a template against one sample record,
// without requiring the template to be saved first. template overrides the
// stored prompt text; recordID may be empty to sample the first matching
// record. Extraction failure is reported inside the result rather than as
// an error; seeing that failure is the point of previewing.
func (r *Runner) Preview(ctx context.Context, batchID, template, responseSchema, recordID string) (*ProvingResult, error) {
	rc, err := r.loadRunContext(batchID)
	if err != nil {
		return nil, err
	}
	available, err := r.availableFields(ctx, rc.batch.DatasetID)
	if err != nil {
		return nil, err
	}

	spec := wave.QuerySpec{
		Fields:        prompt.QueryFields(template, available, rc.idField),
		DatasetFilter: rc.filter,
		IDField:       rc.idField,
		Limit:         1,
	}
	if recordID != "" {
		spec.RecordIDs = []string{recordID}
	}

	rows, err := r.source.Query(ctx, rc.batch.DatasetID, spec)
	if err != nil {
		return nil, errors.Wrap(err, "record query failed")
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundError("no matching record")
	}
	record := rows[0]

	result := r.runOne(ctx, record, rc, template, responseSchema, 0)
	result.SampleRecord = record
	return result, nil
}

// ProvingGround runs the batch's saved prompt over an explicit identifier
// list synchronously. Returned alongside the results is the set of
// requested identifiers the record source did not match; per-record
// failures land in their result rather than aborting the run.
func (r *Runner) ProvingGround(ctx context.Context, batchID string, recordIDs []string) ([]*ProvingResult, []string, error) {
	requested := requestedIDs(recordIDs)
	if len(requested) == 0 {
		return nil, nil, errors.Wrap(errors.ErrInvalidRequest, "no record identifiers provided")
	}

	rc, err := r.loadRunContext(batchID)
	if err != nil {
		return nil, nil, err
	}
	if rc.config == nil {
		return nil, nil, errors.Wrap(errors.ErrInvalidRequest, "batch has no dataset config; proving ground needs a record identifier field")
	}
	available, err := r.availableFields(ctx, rc.batch.DatasetID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := r.source.Query(ctx, rc.batch.DatasetID, wave.QuerySpec{
		Fields:        prompt.QueryFields(rc.prompt.Template, available, rc.idField),
		DatasetFilter: rc.filter,
		IDField:       rc.idField,
		RecordIDs:     requested,
		Limit:         len(requested),
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "record query failed")
	}

	notFound := missingIDs(requested, rows, rc.idField)

	results := make([]*ProvingResult, 0, len(rows))
	for idx, record := range rows {
		results = append(results, r.runOne(ctx, record, rc, rc.prompt.Template, rc.prompt.ResponseSchema, idx))
	}
	return results, notFound, nil
}

// runOne executes a single record synchronously through render, generate,
// extract, and flatten.
func (r *Runner) runOne(ctx context.Context, record map[string]interface{},
	rc *runContext, template, responseSchema string, idx int) *ProvingResult {

	result := &ProvingResult{
		RecordID:       resolveRecordID(record, rc.idField, idx),
		RenderedPrompt: prompt.WithSchema(prompt.Build(template, record), responseSchema),
	}

	raw, err := r.gen.Generate(ctx, result.RenderedPrompt, r.generationParams(rc.prompt))
	if err != nil {
		result.ExtractError = err.Error()
		return result
	}
	result.RawResponse = raw

	obj, err := extract.Object(raw)
	if err != nil {
		result.ExtractError = err.Error()
		return result
	}
	result.Parsed = obj
	result.Flattened = extract.Flatten(obj)
	return result
}
