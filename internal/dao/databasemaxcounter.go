package dao

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// DatabaseMaxCounterDAO tracks, per filter, the highest per-instance counter
// this vault has ever dequeued — the local analogue of morango's
// DatabaseMaxCounter model, consulted so a subsequent pull's FSIC comparison
// only asks a peer for records newer than what was already absorbed.
type DatabaseMaxCounterDAO struct {
	db *sql.DB
}

// NewDatabaseMaxCounterDAO creates a new DatabaseMaxCounterDAO.
func NewDatabaseMaxCounterDAO(db *sql.DB) *DatabaseMaxCounterDAO {
	return &DatabaseMaxCounterDAO{db: db}
}

// UpdateFSICs merges a peer's FSIC snapshot (JSON-encoded map of instance id
// to counter) into the local max-counter table for filter, keeping the
// larger of the existing and incoming counter per instance.
func (d *DatabaseMaxCounterDAO) UpdateFSICs(filter, fsicJSON string) error {
	var fsic map[string]int64
	if err := json.Unmarshal([]byte(fsicJSON), &fsic); err != nil {
		return fmt.Errorf("failed to decode fsic snapshot: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin fsic update transaction: %w", err)
	}

	for instanceID, counter := range fsic {
		_, err := tx.Exec(
			`INSERT INTO database_max_counters (instance_id, filter, counter)
			 VALUES (?, ?, ?)
			 ON CONFLICT(instance_id, filter) DO UPDATE SET
				counter = MAX(counter, excluded.counter)`,
			instanceID, filter, counter,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to update max counter for instance %s: %w", instanceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fsic update: %w", err)
	}
	return nil
}

// Snapshot returns the current per-instance max-counter map for filter,
// JSON-encoded in the same shape as an FSIC.
func (d *DatabaseMaxCounterDAO) Snapshot(filter string) (string, error) {
	rows, err := d.db.Query(
		`SELECT instance_id, counter FROM database_max_counters WHERE filter = ?`,
		filter,
	)
	if err != nil {
		return "", fmt.Errorf("failed to query max counters for filter %s: %w", filter, err)
	}
	defer rows.Close()

	fsic := make(map[string]int64)
	for rows.Next() {
		var instanceID string
		var counter int64
		if err := rows.Scan(&instanceID, &counter); err != nil {
			return "", fmt.Errorf("failed to scan max counter row: %w", err)
		}
		fsic[instanceID] = counter
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	encoded, err := json.Marshal(fsic)
	if err != nil {
		return "", fmt.Errorf("failed to encode fsic snapshot: %w", err)
	}
	return string(encoded), nil
}
