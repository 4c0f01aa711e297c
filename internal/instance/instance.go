// Package instance describes the local node to a sync peer: a small,
// serialized descriptor exchanged during the session handshake, mirroring
// morango's InstanceIDModel/InstanceIDSerializer.
package instance

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/google/uuid"
)

// Descriptor identifies this vault's sync instance to a peer.
type Descriptor struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	Hostname string `json:"hostname"`
	SystemID string `json:"system_id"`
	Version  string `json:"version"`
}

// Serialize JSON-encodes a Descriptor for the handshake payload.
func Serialize(d Descriptor) (string, error) {
	encoded, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to serialize instance descriptor: %w", err)
	}
	return string(encoded), nil
}

// Deserialize decodes a handshake-supplied instance descriptor.
func Deserialize(serialized string) (Descriptor, error) {
	var d Descriptor
	if serialized == "" {
		return d, nil
	}
	if err := json.Unmarshal([]byte(serialized), &d); err != nil {
		return Descriptor{}, fmt.Errorf("failed to deserialize instance descriptor: %w", err)
	}
	return d, nil
}

// Ensure retrieves this vault's local instance descriptor, generating and
// persisting one on first use, the same pattern internal/vaultid follows
// for the vault-level UUID.
func Ensure(db *sql.DB, version string) (Descriptor, error) {
	var d Descriptor
	err := db.QueryRow(`SELECT id, platform, hostname, system_id, version FROM sync_instance LIMIT 1`).
		Scan(&d.ID, &d.Platform, &d.Hostname, &d.SystemID, &d.Version)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Descriptor{}, fmt.Errorf("failed to query sync instance descriptor: %w", err)
	}

	hostname, _ := os.Hostname()
	d = Descriptor{
		ID:       uuid.New().String(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Hostname: hostname,
		SystemID: uuid.New().String(),
		Version:  version,
	}

	_, err = db.Exec(
		`INSERT INTO sync_instance (id, platform, hostname, system_id, version) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.Platform, d.Hostname, d.SystemID, d.Version,
	)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to persist sync instance descriptor: %w", err)
	}

	return d, nil
}
