package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncSession is the long-lived logical association between two peers for
// one (client_cert, server_cert, profile) triple.
type SyncSession struct {
	ID                    string
	StartTimestamp        time.Time
	LastActivityTimestamp time.Time
	Active                bool
	IsServer              bool
	ClientCertificateID   string
	ServerCertificateID   string
	Profile               string
	ConnectionKind        string
	ConnectionPath        string
	ClientInstance        string
	ServerInstance        string
	ClientIP              string
	ServerIP              string
}

// SyncSessionDAO provides access to the sync_sessions table.
type SyncSessionDAO struct {
	db *sql.DB
}

// NewSyncSessionDAO creates a new SyncSessionDAO.
func NewSyncSessionDAO(db *sql.DB) *SyncSessionDAO {
	return &SyncSessionDAO{db: db}
}

// Insert persists a new SyncSession.
func (d *SyncSessionDAO) Insert(s *SyncSession) error {
	_, err := d.db.Exec(
		`INSERT INTO sync_sessions
			(id, start_timestamp, last_activity_timestamp, active, is_server,
			 client_certificate_id, server_certificate_id, profile,
			 connection_kind, connection_path, client_instance, server_instance,
			 client_ip, server_ip)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.StartTimestamp, s.LastActivityTimestamp, s.Active, s.IsServer,
		s.ClientCertificateID, s.ServerCertificateID, s.Profile,
		s.ConnectionKind, s.ConnectionPath, s.ClientInstance, s.ServerInstance,
		s.ClientIP, s.ServerIP,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync session %s: %w", s.ID, err)
	}
	return nil
}

// Get retrieves a SyncSession by id.
func (d *SyncSessionDAO) Get(id string) (*SyncSession, error) {
	return d.scanOne(d.db.QueryRow(
		`SELECT id, start_timestamp, last_activity_timestamp, active, is_server,
			client_certificate_id, server_certificate_id, profile,
			connection_kind, connection_path, client_instance, server_instance,
			client_ip, server_ip
		 FROM sync_sessions WHERE id = ?`,
		id,
	))
}

// FindActive returns the active, non-server SyncSession for a given
// (client_cert, server_cert) pair, or ErrNotFound if none exists. Per the
// data model invariant, there is at most one.
func (d *SyncSessionDAO) FindActive(clientCertificateID, serverCertificateID string) (*SyncSession, error) {
	return d.scanOne(d.db.QueryRow(
		`SELECT id, start_timestamp, last_activity_timestamp, active, is_server,
			client_certificate_id, server_certificate_id, profile,
			connection_kind, connection_path, client_instance, server_instance,
			client_ip, server_ip
		 FROM sync_sessions
		 WHERE client_certificate_id = ? AND server_certificate_id = ?
		   AND active = 1 AND is_server = 0
		 LIMIT 1`,
		clientCertificateID, serverCertificateID,
	))
}

// Deactivate marks a SyncSession inactive. Deactivation is terminal: a
// closed SyncSession is never reactivated.
func (d *SyncSessionDAO) Deactivate(id string) error {
	result, err := d.db.Exec(`UPDATE sync_sessions SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate sync session %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch updates the last-activity timestamp of a SyncSession.
func (d *SyncSessionDAO) Touch(id string, at time.Time) error {
	result, err := d.db.Exec(
		`UPDATE sync_sessions SET last_activity_timestamp = ? WHERE id = ?`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch sync session %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *SyncSessionDAO) scanOne(row *sql.Row) (*SyncSession, error) {
	var s SyncSession
	err := row.Scan(
		&s.ID, &s.StartTimestamp, &s.LastActivityTimestamp, &s.Active, &s.IsServer,
		&s.ClientCertificateID, &s.ServerCertificateID, &s.Profile,
		&s.ConnectionKind, &s.ConnectionPath, &s.ClientInstance, &s.ServerInstance,
		&s.ClientIP, &s.ServerIP,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan sync session: %w", err)
	}
	return &s, nil
}
