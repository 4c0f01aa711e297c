package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/n1/n1sync/internal/cert"
	n1crypto "github.com/n1/n1sync/internal/crypto"
)

// CertificateDAO provides access to the certificates table.
type CertificateDAO struct {
	db *sql.DB
}

// NewCertificateDAO creates a new CertificateDAO.
func NewCertificateDAO(db *sql.DB) *CertificateDAO {
	return &CertificateDAO{db: db}
}

// Put inserts or replaces a certificate. Certificates are content-addressed
// and therefore immutable once inserted; re-inserting the same id is a no-op
// by design (the content cannot have changed without the id changing too).
func (d *CertificateDAO) Put(c *cert.Certificate) error {
	scopeParams := c.ScopeParams
	if scopeParams == nil {
		scopeParams = []byte("{}")
	}

	_, err := d.db.Exec(
		`INSERT OR IGNORE INTO certificates
			(id, parent_id, profile, scope_definition, scope_version, scope_params,
			 algorithm, public_key, serialized, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nullableString(c.ParentID), c.Profile, c.ScopeDefinition, c.ScopeVersion,
		scopeParams, string(c.Algorithm), c.PublicKey, c.Serialized, c.Signature,
		c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store certificate %s: %w", c.ID, err)
	}
	return nil
}

// Get retrieves a certificate by id.
func (d *CertificateDAO) Get(id string) (*cert.Certificate, error) {
	var (
		c           cert.Certificate
		parentID    sql.NullString
		algorithm   string
		scopeParams []byte
		createdAt   time.Time
	)

	err := d.db.QueryRow(
		`SELECT id, parent_id, profile, scope_definition, scope_version, scope_params,
			algorithm, public_key, serialized, signature, created_at
		 FROM certificates WHERE id = ?`,
		id,
	).Scan(
		&c.ID, &parentID, &c.Profile, &c.ScopeDefinition, &c.ScopeVersion, &scopeParams,
		&algorithm, &c.PublicKey, &c.Serialized, &c.Signature, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get certificate %s: %w", id, err)
	}

	c.ParentID = parentID.String
	c.Algorithm = n1crypto.Algorithm(algorithm)
	c.ScopeParams = scopeParams
	c.CreatedAt = createdAt

	return &c, nil
}

// Chain walks parent links from leafID up to a root (a certificate with no
// ParentID), returning the chain ordered root-first, leaf-last.
func (d *CertificateDAO) Chain(leafID string) ([]*cert.Certificate, error) {
	var chain []*cert.Certificate
	visited := make(map[string]bool)
	currentID := leafID

	for {
		if visited[currentID] {
			return nil, fmt.Errorf("certificate chain for %s contains a cycle at %s", leafID, currentID)
		}
		visited[currentID] = true

		c, err := d.Get(currentID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, c)

		if c.ParentID == "" {
			break
		}
		currentID = c.ParentID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	return chain, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
