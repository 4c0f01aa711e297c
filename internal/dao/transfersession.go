package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Transfer stage values, matching spec.md §4.C's tagged variant.
const (
	StageQueuing   = "queuing"
	StagePushing   = "pushing"
	StagePulling   = "pulling"
	StageDequeuing = "dequeuing"
	StageCompleted = "completed"
)

// TransferSession is one push or pull episode scoped by a filter.
type TransferSession struct {
	ID                    string
	SyncSessionID         string
	Push                  bool
	Filter                string
	LastActivityTimestamp time.Time
	Active                bool
	RecordsTotal          sql.NullInt64
	RecordsTransferred    int64
	ClientFSIC            string
	ServerFSIC            string
	TransferStage         string
}

// TransferSessionDAO provides access to the transfer_sessions table.
type TransferSessionDAO struct {
	db *sql.DB
}

// NewTransferSessionDAO creates a new TransferSessionDAO.
func NewTransferSessionDAO(db *sql.DB) *TransferSessionDAO {
	return &TransferSessionDAO{db: db}
}

// Insert persists a new TransferSession.
func (d *TransferSessionDAO) Insert(t *TransferSession) error {
	_, err := d.db.Exec(
		`INSERT INTO transfer_sessions
			(id, sync_session_id, push, filter, last_activity_timestamp, active,
			 records_total, records_transferred, client_fsic, server_fsic, transfer_stage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SyncSessionID, t.Push, t.Filter, t.LastActivityTimestamp, t.Active,
		t.RecordsTotal, t.RecordsTransferred, t.ClientFSIC, t.ServerFSIC, t.TransferStage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer session %s: %w", t.ID, err)
	}
	return nil
}

// Get retrieves a TransferSession by id.
func (d *TransferSessionDAO) Get(id string) (*TransferSession, error) {
	return d.scanOne(d.db.QueryRow(
		`SELECT id, sync_session_id, push, filter, last_activity_timestamp, active,
			records_total, records_transferred, client_fsic, server_fsic, transfer_stage
		 FROM transfer_sessions WHERE id = ?`,
		id,
	))
}

// FindActive returns the active TransferSession on syncSessionID matching
// (filter, push), or ErrNotFound. Per the data model invariant there is at
// most one.
func (d *TransferSessionDAO) FindActive(syncSessionID, filter string, push bool) (*TransferSession, error) {
	return d.scanOne(d.db.QueryRow(
		`SELECT id, sync_session_id, push, filter, last_activity_timestamp, active,
			records_total, records_transferred, client_fsic, server_fsic, transfer_stage
		 FROM transfer_sessions
		 WHERE sync_session_id = ? AND filter = ? AND push = ? AND active = 1
		 LIMIT 1`,
		syncSessionID, filter, push,
	))
}

// ListActive returns every active TransferSession under syncSessionID.
func (d *TransferSessionDAO) ListActive(syncSessionID string) ([]*TransferSession, error) {
	rows, err := d.db.Query(
		`SELECT id, sync_session_id, push, filter, last_activity_timestamp, active,
			records_total, records_transferred, client_fsic, server_fsic, transfer_stage
		 FROM transfer_sessions WHERE sync_session_id = ? AND active = 1`,
		syncSessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active transfer sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*TransferSession
	for rows.Next() {
		t, err := scanTransferSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, t)
	}
	return sessions, rows.Err()
}

// Deactivate marks a TransferSession inactive and completed. Used when a
// transfer episode finishes, successfully or not, via close-transfer-session.
func (d *TransferSessionDAO) Deactivate(id string) error {
	result, err := d.db.Exec(
		`UPDATE transfer_sessions SET active = 0, transfer_stage = ? WHERE id = ?`,
		StageCompleted, id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate transfer session %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInactive deactivates a TransferSession without forcing it to
// completed, for the STARTING error path where server-side creation failed
// and the local placeholder never reached a real stage transition.
func (d *TransferSessionDAO) MarkInactive(id string) error {
	result, err := d.db.Exec(`UPDATE transfer_sessions SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark transfer session %s inactive: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Activate flips a TransferSession to active, for the push STARTING path
// where the local placeholder is created inactive and only activated once
// the server confirms creation.
func (d *TransferSessionDAO) Activate(id string) error {
	result, err := d.db.Exec(`UPDATE transfer_sessions SET active = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to activate transfer session %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStage persists a stage transition and bumps last_activity_timestamp.
// Per spec.md §4.C, transitions are persisted as single writes after every
// stage boundary.
func (d *TransferSessionDAO) SetStage(id, stage string, at time.Time) error {
	result, err := d.db.Exec(
		`UPDATE transfer_sessions SET transfer_stage = ?, last_activity_timestamp = ? WHERE id = ?`,
		stage, at, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set transfer session %s stage: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRecordsTotal persists the authoritative records_total once known.
func (d *TransferSessionDAO) SetRecordsTotal(id string, total int64) error {
	result, err := d.db.Exec(
		`UPDATE transfer_sessions SET records_total = ? WHERE id = ?`,
		total, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set records_total for transfer session %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetServerFSIC persists the server's forward-seen-index-counter snapshot.
func (d *TransferSessionDAO) SetServerFSIC(id, serverFSIC string) error {
	result, err := d.db.Exec(
		`UPDATE transfer_sessions SET server_fsic = ? WHERE id = ?`,
		serverFSIC, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set server_fsic for transfer session %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceRecordsTransferred advances the monotonic cursor by delta and
// persists it. Per spec.md §4.D, delta is the full chunk_size even on a
// partial final chunk.
func (d *TransferSessionDAO) AdvanceRecordsTransferred(id string, delta int64) error {
	result, err := d.db.Exec(
		`UPDATE transfer_sessions SET records_transferred = records_transferred + ? WHERE id = ?`,
		delta, id,
	)
	if err != nil {
		return fmt.Errorf("failed to advance records_transferred for transfer session %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *TransferSessionDAO) scanOne(row *sql.Row) (*TransferSession, error) {
	var t TransferSession
	err := row.Scan(
		&t.ID, &t.SyncSessionID, &t.Push, &t.Filter, &t.LastActivityTimestamp, &t.Active,
		&t.RecordsTotal, &t.RecordsTransferred, &t.ClientFSIC, &t.ServerFSIC, &t.TransferStage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan transfer session: %w", err)
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransferSessionRow(row rowScanner) (*TransferSession, error) {
	var t TransferSession
	err := row.Scan(
		&t.ID, &t.SyncSessionID, &t.Push, &t.Filter, &t.LastActivityTimestamp, &t.Active,
		&t.RecordsTotal, &t.RecordsTransferred, &t.ClientFSIC, &t.ServerFSIC, &t.TransferStage,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transfer session row: %w", err)
	}
	return &t, nil
}
