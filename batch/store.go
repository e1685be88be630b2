package batch

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/andbeder/ClinicalGenius/errors"
)

// Store persists batches, prompt configs, and dataset configs.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateBatch inserts a new batch. A missing ID is generated; status
// starts as pending unless the caller set one.
func (s *Store) CreateBatch(b *Batch) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO batches (id, name, dataset_id, dataset_name, dataset_config_id,
			description, status, record_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.DatasetID, b.DatasetName,
		nullable(b.DatasetConfigID), nullable(b.Description),
		string(b.Status), b.RecordCount, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create batch")
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(id string) (*Batch, error) {
	row := s.db.QueryRow(`
		SELECT id, name, dataset_id, dataset_name, dataset_config_id,
			description, status, record_count, created_at, updated_at
		FROM batches WHERE id = ?`, id)
	return scanBatch(row)
}

// ListBatches returns all batches, newest first.
func (s *Store) ListBatches() ([]*Batch, error) {
	rows, err := s.db.Query(`
		SELECT id, name, dataset_id, dataset_name, dataset_config_id,
			description, status, record_count, created_at, updated_at
		FROM batches ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list batches")
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, errors.Wrap(rows.Err(), "failed to iterate batches")
}

// UpdateBatch rewrites a batch's mutable fields.
func (s *Store) UpdateBatch(b *Batch) error {
	b.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE batches SET name = ?, dataset_id = ?, dataset_name = ?,
			dataset_config_id = ?, description = ?, status = ?,
			record_count = ?, updated_at = ?
		WHERE id = ?`,
		b.Name, b.DatasetID, b.DatasetName,
		nullable(b.DatasetConfigID), nullable(b.Description),
		string(b.Status), b.RecordCount, b.UpdatedAt, b.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update batch")
	}
	return requireRow(res, "batch", b.ID)
}

// UpdateBatchStatus moves a batch through its lifecycle and records how
// many rows the last run processed.
func (s *Store) UpdateBatchStatus(id string, status Status, recordCount int) error {
	res, err := s.db.Exec(`
		UPDATE batches SET status = ?, record_count = ?, updated_at = ?
		WHERE id = ?`,
		string(status), recordCount, time.Now().UTC(), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update batch status")
	}
	return requireRow(res, "batch", id)
}

// DeleteBatch removes a batch and, via foreign keys, its prompt config and
// execution records.
func (s *Store) DeleteBatch(id string) error {
	res, err := s.db.Exec(`DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete batch")
	}
	return requireRow(res, "batch", id)
}

// SavePrompt upserts the prompt config for a batch.
func (s *Store) SavePrompt(p *PromptConfig) error {
	now := time.Now().UTC()
	p.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO prompts (batch_id, prompt_template, response_schema,
			schema_description, temperature, max_tokens, timeout_seconds,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			prompt_template = excluded.prompt_template,
			response_schema = excluded.response_schema,
			schema_description = excluded.schema_description,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			timeout_seconds = excluded.timeout_seconds,
			updated_at = excluded.updated_at`,
		p.BatchID, p.Template, nullable(p.ResponseSchema),
		nullable(p.SchemaDescription), p.Temperature, p.MaxTokens,
		p.TimeoutSeconds, now, now,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save prompt")
	}
	return nil
}

// GetPrompt returns the prompt config for a batch, or ErrNotFound.
func (s *Store) GetPrompt(batchID string) (*PromptConfig, error) {
	var p PromptConfig
	var schema, description sql.NullString
	var temperature sql.NullFloat64
	var maxTokens, timeoutSeconds sql.NullInt64
	err := s.db.QueryRow(`
		SELECT batch_id, prompt_template, response_schema, schema_description,
			temperature, max_tokens, timeout_seconds, created_at, updated_at
		FROM prompts WHERE batch_id = ?`, batchID).
		Scan(&p.BatchID, &p.Template, &schema, &description,
			&temperature, &maxTokens, &timeoutSeconds,
			&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("prompt for batch " + batchID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get prompt")
	}
	p.ResponseSchema = schema.String
	p.SchemaDescription = description.String
	if temperature.Valid {
		p.Temperature = &temperature.Float64
	}
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		p.MaxTokens = &v
	}
	if timeoutSeconds.Valid {
		v := int(timeoutSeconds.Int64)
		p.TimeoutSeconds = &v
	}
	return &p, nil
}

// CreateDatasetConfig inserts a new dataset binding. The identifier field
// is forced into the selected field set so downstream queries always carry
// the row key.
func (s *Store) CreateDatasetConfig(c *DatasetConfig) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.SelectedFields = ensureField(c.SelectedFields, c.RecordIDField)
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	fields, err := json.Marshal(c.SelectedFields)
	if err != nil {
		return errors.Wrap(err, "failed to encode selected fields")
	}

	_, err = s.db.Exec(`
		INSERT INTO dataset_configs (id, name, dataset_id, dataset_name,
			record_id_field, saql_filter, selected_fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.DatasetID, c.DatasetName, c.RecordIDField,
		nullable(c.SAQLFilter), string(fields), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create dataset config")
	}
	return nil
}

// GetDatasetConfig retrieves a dataset binding by ID.
func (s *Store) GetDatasetConfig(id string) (*DatasetConfig, error) {
	row := s.db.QueryRow(`
		SELECT id, name, dataset_id, dataset_name, record_id_field,
			saql_filter, selected_fields, created_at, updated_at
		FROM dataset_configs WHERE id = ?`, id)
	return scanDatasetConfig(row)
}

// ListDatasetConfigs returns all dataset bindings, newest first.
func (s *Store) ListDatasetConfigs() ([]*DatasetConfig, error) {
	rows, err := s.db.Query(`
		SELECT id, name, dataset_id, dataset_name, record_id_field,
			saql_filter, selected_fields, created_at, updated_at
		FROM dataset_configs ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dataset configs")
	}
	defer rows.Close()

	var configs []*DatasetConfig
	for rows.Next() {
		c, err := scanDatasetConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, errors.Wrap(rows.Err(), "failed to iterate dataset configs")
}

// UpdateDatasetConfig rewrites a dataset binding.
func (s *Store) UpdateDatasetConfig(c *DatasetConfig) error {
	c.SelectedFields = ensureField(c.SelectedFields, c.RecordIDField)
	c.UpdatedAt = time.Now().UTC()

	fields, err := json.Marshal(c.SelectedFields)
	if err != nil {
		return errors.Wrap(err, "failed to encode selected fields")
	}

	res, err := s.db.Exec(`
		UPDATE dataset_configs SET name = ?, dataset_id = ?, dataset_name = ?,
			record_id_field = ?, saql_filter = ?, selected_fields = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.DatasetID, c.DatasetName, c.RecordIDField,
		nullable(c.SAQLFilter), string(fields), c.UpdatedAt, c.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update dataset config")
	}
	return requireRow(res, "dataset config", c.ID)
}

// DeleteDatasetConfig removes a dataset binding.
func (s *Store) DeleteDatasetConfig(id string) error {
	res, err := s.db.Exec(`DELETE FROM dataset_configs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete dataset config")
	}
	return requireRow(res, "dataset config", id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*Batch, error) {
	var b Batch
	var configID, description sql.NullString
	var status string
	err := row.Scan(&b.ID, &b.Name, &b.DatasetID, &b.DatasetName,
		&configID, &description, &status, &b.RecordCount,
		&b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrNotFound, "batch not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan batch")
	}
	b.DatasetConfigID = configID.String
	b.Description = description.String
	b.Status = Status(status)
	return &b, nil
}

func scanDatasetConfig(row rowScanner) (*DatasetConfig, error) {
	var c DatasetConfig
	var filter sql.NullString
	var fields string
	err := row.Scan(&c.ID, &c.Name, &c.DatasetID, &c.DatasetName,
		&c.RecordIDField, &filter, &fields, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrNotFound, "dataset config not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan dataset config")
	}
	c.SAQLFilter = filter.String
	if err := json.Unmarshal([]byte(fields), &c.SelectedFields); err != nil {
		return nil, errors.Wrap(err, "failed to decode selected fields")
	}
	return &c, nil
}

func ensureField(fields []string, field string) []string {
	if field == "" {
		return fields
	}
	for _, f := range fields {
		if f == field {
			return fields
		}
	}
	return append(fields, field)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check affected rows")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "%s %s", kind, id)
	}
	return nil
}
