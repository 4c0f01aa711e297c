package dao

import (
	"database/sql"
	"fmt"
)

// Buffer is a staging row produced/consumed by the Store Engine, keyed by
// (transfer_session, model_uuid).
type Buffer struct {
	ID                int64
	TransferSessionID string
	ModelUUID         string
	Partition         string
	Serialized        []byte
	LastSavedInstance string
	LastSavedCounter  int64
}

// BufferDAO provides access to the buffers table.
type BufferDAO struct {
	db *sql.DB
}

// NewBufferDAO creates a new BufferDAO.
func NewBufferDAO(db *sql.DB) *BufferDAO {
	return &BufferDAO{db: db}
}

// Put inserts or replaces a buffered record for (transfer_session, model_uuid).
func (d *BufferDAO) Put(b *Buffer) error {
	_, err := d.db.Exec(
		`INSERT INTO buffers
			(transfer_session_id, model_uuid, partition, serialized, last_saved_instance, last_saved_counter)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(transfer_session_id, model_uuid) DO UPDATE SET
			partition = excluded.partition,
			serialized = excluded.serialized,
			last_saved_instance = excluded.last_saved_instance,
			last_saved_counter = excluded.last_saved_counter`,
		b.TransferSessionID, b.ModelUUID, b.Partition, b.Serialized, b.LastSavedInstance, b.LastSavedCounter,
	)
	if err != nil {
		return fmt.Errorf("failed to store buffer row for %s/%s: %w", b.TransferSessionID, b.ModelUUID, err)
	}
	return nil
}

// Count returns the number of buffered records for a transfer session.
func (d *BufferDAO) Count(transferSessionID string) (int64, error) {
	var count int64
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM buffers WHERE transfer_session_id = ?`,
		transferSessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count buffers for %s: %w", transferSessionID, err)
	}
	return count, nil
}

// Page returns up to limit buffered rows for a transfer session, ordered by
// primary key (stable across retries), starting at offset.
func (d *BufferDAO) Page(transferSessionID string, offset, limit int64) ([]*Buffer, error) {
	rows, err := d.db.Query(
		`SELECT id, transfer_session_id, model_uuid, partition, serialized, last_saved_instance, last_saved_counter
		 FROM buffers WHERE transfer_session_id = ? ORDER BY id LIMIT ? OFFSET ?`,
		transferSessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to page buffers for %s: %w", transferSessionID, err)
	}
	defer rows.Close()

	var buffers []*Buffer
	for rows.Next() {
		var b Buffer
		if err := rows.Scan(&b.ID, &b.TransferSessionID, &b.ModelUUID, &b.Partition, &b.Serialized, &b.LastSavedInstance, &b.LastSavedCounter); err != nil {
			return nil, fmt.Errorf("failed to scan buffer row: %w", err)
		}
		buffers = append(buffers, &b)
	}
	return buffers, rows.Err()
}

// All returns every buffered row for a transfer session, ordered by
// primary key.
func (d *BufferDAO) All(transferSessionID string) ([]*Buffer, error) {
	rows, err := d.db.Query(
		`SELECT id, transfer_session_id, model_uuid, partition, serialized, last_saved_instance, last_saved_counter
		 FROM buffers WHERE transfer_session_id = ? ORDER BY id`,
		transferSessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list buffers for %s: %w", transferSessionID, err)
	}
	defer rows.Close()

	var buffers []*Buffer
	for rows.Next() {
		var b Buffer
		if err := rows.Scan(&b.ID, &b.TransferSessionID, &b.ModelUUID, &b.Partition, &b.Serialized, &b.LastSavedInstance, &b.LastSavedCounter); err != nil {
			return nil, fmt.Errorf("failed to scan buffer row: %w", err)
		}
		buffers = append(buffers, &b)
	}
	return buffers, rows.Err()
}

// DeleteByTransferSession wholesale-deletes every buffered row for a
// transfer session: called when the push cycle completes, or when a
// conflicting resume discards stale buffers from an abandoned episode.
func (d *BufferDAO) DeleteByTransferSession(transferSessionID string) error {
	_, err := d.db.Exec(`DELETE FROM buffers WHERE transfer_session_id = ?`, transferSessionID)
	if err != nil {
		return fmt.Errorf("failed to delete buffers for %s: %w", transferSessionID, err)
	}
	return nil
}

// RecordMaxCounterBuffer is a staging row tracking the highest counter seen
// per (transfer_session, model_uuid, instance_id).
type RecordMaxCounterBuffer struct {
	ID                int64
	TransferSessionID string
	ModelUUID         string
	InstanceID        string
	Counter           int64
}

// RecordMaxCounterBufferDAO provides access to the record_max_counter_buffers table.
type RecordMaxCounterBufferDAO struct {
	db *sql.DB
}

// NewRecordMaxCounterBufferDAO creates a new RecordMaxCounterBufferDAO.
func NewRecordMaxCounterBufferDAO(db *sql.DB) *RecordMaxCounterBufferDAO {
	return &RecordMaxCounterBufferDAO{db: db}
}

// Put inserts or replaces a max-counter row.
func (d *RecordMaxCounterBufferDAO) Put(r *RecordMaxCounterBuffer) error {
	_, err := d.db.Exec(
		`INSERT INTO record_max_counter_buffers (transfer_session_id, model_uuid, instance_id, counter)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(transfer_session_id, model_uuid, instance_id) DO UPDATE SET counter = excluded.counter`,
		r.TransferSessionID, r.ModelUUID, r.InstanceID, r.Counter,
	)
	if err != nil {
		return fmt.Errorf("failed to store record max counter buffer row: %w", err)
	}
	return nil
}

// DeleteByTransferSession wholesale-deletes every max-counter row for a
// transfer session, in lockstep with BufferDAO.DeleteByTransferSession.
func (d *RecordMaxCounterBufferDAO) DeleteByTransferSession(transferSessionID string) error {
	_, err := d.db.Exec(`DELETE FROM record_max_counter_buffers WHERE transfer_session_id = ?`, transferSessionID)
	if err != nil {
		return fmt.Errorf("failed to delete record max counter buffers for %s: %w", transferSessionID, err)
	}
	return nil
}
