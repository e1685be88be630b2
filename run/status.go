package run

import (
	"database/sql"
	"time"

	"github.com/andbeder/ClinicalGenius/errors"
)

// StatusStore persists execution checkpoints. One row per batch,
// last-writer-wins; safe because only one execution may run per batch.
type StatusStore struct {
	db *sql.DB
}

func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// Checkpoint writes the snapshot as the batch's durable status.
func (s *StatusStore) Checkpoint(snap Snapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO execution_status (batch_id, execution_id, status, current,
			total, success_count, error_count, started_at, updated_at,
			complete, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			execution_id = excluded.execution_id,
			status = excluded.status,
			current = excluded.current,
			total = excluded.total,
			success_count = excluded.success_count,
			error_count = excluded.error_count,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			complete = excluded.complete,
			success = excluded.success,
			error = excluded.error`,
		snap.BatchID, snap.ExecutionID, string(snap.State), snap.Current,
		snap.Total, snap.SuccessCount, snap.ErrorCount, snap.StartedAt,
		snap.UpdatedAt, boolInt(snap.Complete), boolInt(snap.Success),
		sql.NullString{String: snap.Error, Valid: snap.Error != ""},
	)
	if err != nil {
		return errors.Wrap(err, "failed to checkpoint execution status")
	}
	return nil
}

// Load returns the last durable checkpoint for a batch. The snapshot's
// UpdatedAt tells the caller how stale it is.
func (s *StatusStore) Load(batchID string) (*Snapshot, error) {
	var snap Snapshot
	var state string
	var complete, success int
	var errText sql.NullString
	err := s.db.QueryRow(`
		SELECT batch_id, execution_id, status, current, total, success_count,
			error_count, started_at, updated_at, complete, success, error
		FROM execution_status WHERE batch_id = ?`, batchID).
		Scan(&snap.BatchID, &snap.ExecutionID, &state, &snap.Current,
			&snap.Total, &snap.SuccessCount, &snap.ErrorCount,
			&snap.StartedAt, &snap.UpdatedAt, &complete, &success, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution status for batch " + batchID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load execution status")
	}
	snap.State = State(state)
	snap.Complete = complete != 0
	snap.Success = success != 0
	snap.Error = errText.String
	return &snap, nil
}

// HistoryEntry is the durable summary of a batch's most recent completed
// run, including the full CSV artifact.
type HistoryEntry struct {
	BatchID          string    `json:"batch_id"`
	BatchName        string    `json:"batch_name"`
	DatasetName      string    `json:"dataset_name"`
	TotalRecords     int       `json:"total_records"`
	SuccessCount     int       `json:"success_count"`
	ErrorCount       int       `json:"error_count"`
	ExecutionSeconds float64   `json:"execution_seconds"`
	CSVData          string    `json:"csv_data,omitempty"`
	ExecutedAt       time.Time `json:"executed_at"`
}

// HistoryStore persists one HistoryEntry per batch; saving a new run
// replaces the batch's prior entry.
type HistoryStore struct {
	db *sql.DB
}

func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Save replaces the batch's history entry with this run.
func (s *HistoryStore) Save(e *HistoryEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin history transaction")
	}

	if _, err := tx.Exec(`DELETE FROM execution_history WHERE batch_id = ?`, e.BatchID); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "failed to clear prior history")
	}

	_, err = tx.Exec(`
		INSERT INTO execution_history (batch_id, batch_name, dataset_name,
			total_records, success_count, error_count, execution_seconds,
			csv_data, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BatchID, e.BatchName, e.DatasetName, e.TotalRecords,
		e.SuccessCount, e.ErrorCount, e.ExecutionSeconds,
		e.CSVData, e.ExecutedAt,
	)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "failed to save history entry")
	}
	return errors.Wrap(tx.Commit(), "failed to commit history entry")
}

// Get returns the batch's most recent run, with the CSV payload.
func (s *HistoryStore) Get(batchID string) (*HistoryEntry, error) {
	var e HistoryEntry
	err := s.db.QueryRow(`
		SELECT batch_id, batch_name, dataset_name, total_records,
			success_count, error_count, execution_seconds, csv_data, executed_at
		FROM execution_history WHERE batch_id = ?`, batchID).
		Scan(&e.BatchID, &e.BatchName, &e.DatasetName, &e.TotalRecords,
			&e.SuccessCount, &e.ErrorCount, &e.ExecutionSeconds,
			&e.CSVData, &e.ExecutedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution history for batch " + batchID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load history entry")
	}
	return &e, nil
}

// Delete removes a batch's history entry.
func (s *HistoryStore) Delete(batchID string) error {
	res, err := s.db.Exec(`DELETE FROM execution_history WHERE batch_id = ?`, batchID)
	if err != nil {
		return errors.Wrap(err, "failed to delete history entry")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError("execution history for batch " + batchID)
	}
	return nil
}

// List returns summaries for all batches with history, newest first.
// CSV payloads are omitted; fetch them per batch with Get.
func (s *HistoryStore) List() ([]*HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT batch_id, batch_name, dataset_name, total_records,
			success_count, error_count, execution_seconds, executed_at
		FROM execution_history ORDER BY executed_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list history")
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.BatchID, &e.BatchName, &e.DatasetName,
			&e.TotalRecords, &e.SuccessCount, &e.ErrorCount,
			&e.ExecutionSeconds, &e.ExecutedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan history entry")
		}
		entries = append(entries, &e)
	}
	return entries, errors.Wrap(rows.Err(), "failed to iterate history")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
