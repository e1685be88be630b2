// Package batch holds the analysis units: dataset bindings, batches, and
// their prompt configurations, persisted in SQLite.
package batch

import "time"

// Status is a batch's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusPartial marks a run that completed with some row-level errors.
	StatusPartial Status = "partial"
)

// Batch is one user-defined unit of work binding a dataset to a prompt.
// Batches are never deleted by the execution engine; deletion is a user
// management operation.
type Batch struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	DatasetID       string    `json:"dataset_id"`
	DatasetName     string    `json:"dataset_name"`
	DatasetConfigID string    `json:"dataset_config_id,omitempty"`
	Description     string    `json:"description,omitempty"`
	Status          Status    `json:"status"`
	RecordCount     int       `json:"record_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PromptConfig is one-to-one with a Batch. Nil generation parameters fall
// back to the configured defaults at execution time.
type PromptConfig struct {
	BatchID           string    `json:"batch_id"`
	Template          string    `json:"prompt_template"`
	ResponseSchema    string    `json:"response_schema,omitempty"`
	SchemaDescription string    `json:"schema_description,omitempty"`
	Temperature       *float64  `json:"temperature,omitempty"`
	MaxTokens         *int      `json:"max_tokens,omitempty"`
	TimeoutSeconds    *int      `json:"timeout_seconds,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DatasetConfig is a reusable binding to an external dataset: which column
// identifies a row, an optional server-side filter, and the field subset
// exposed to templates.
type DatasetConfig struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	DatasetID      string    `json:"dataset_id"`
	DatasetName    string    `json:"dataset_name"`
	RecordIDField  string    `json:"record_id_field"`
	SAQLFilter     string    `json:"saql_filter,omitempty"`
	SelectedFields []string  `json:"selected_fields"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
