// Package cert implements the certificate primitives the Session Negotiator
// and Transfer Controller treat as an opaque, external collaborator: lookup
// by id, chain verification, and signature production/verification.
package cert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/n1/n1sync/internal/crypto"
)

var (
	// ErrChainBroken is returned when a certificate chain does not verify:
	// a link's signature fails, or a parent id does not match.
	ErrChainBroken = errors.New("certificate chain does not verify")

	// ErrIDMismatch is returned when a certificate's id does not match the
	// content hash of its serialized data.
	ErrIDMismatch = errors.New("certificate id does not match its content")
)

// Data is the signed content of a Certificate: everything except the id
// (derived from this) and the signature (produced over this).
type Data struct {
	ParentID        string           `json:"parent_id,omitempty"`
	Profile         string           `json:"profile"`
	ScopeDefinition string           `json:"scope_definition"`
	ScopeVersion    int              `json:"scope_version"`
	ScopeParams     json.RawMessage  `json:"scope_params,omitempty"`
	Algorithm       crypto.Algorithm `json:"algorithm"`
	PublicKey       []byte           `json:"public_key"`
}

// Certificate is an immutable, content-addressable signed public key with a
// parent link forming a chain rooted at a profile root.
type Certificate struct {
	ID string
	Data
	Serialized []byte
	Signature  []byte
	CreatedAt  time.Time
}

// Serialize returns the canonical encoding of a Certificate's signed content.
func Serialize(data Data) ([]byte, error) {
	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize certificate data: %w", err)
	}
	return serialized, nil
}

// DeriveID computes the content-addressed id of a serialized Certificate.
func DeriveID(serialized []byte) string {
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:])
}

// Sign produces a new Certificate for data, signed by signerAlgorithm/
// signerPrivateKey (the parent's keypair, or the root's own keypair for a
// self-signed root).
func Sign(data Data, signerAlgorithm crypto.Algorithm, signerPrivateKey []byte) (*Certificate, error) {
	serialized, err := Serialize(data)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(signerAlgorithm, signerPrivateKey, serialized)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}

	return &Certificate{
		ID:         DeriveID(serialized),
		Data:       data,
		Serialized: serialized,
		Signature:  signature,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Verify checks that cert's id matches its content and that its signature
// verifies under the signer's algorithm/public key (the parent's, or the
// cert's own for a self-signed root).
func Verify(certificate *Certificate, signerAlgorithm crypto.Algorithm, signerPublicKey []byte) error {
	serialized, err := Serialize(certificate.Data)
	if err != nil {
		return err
	}

	if DeriveID(serialized) != certificate.ID {
		return ErrIDMismatch
	}

	if err := crypto.Verify(signerAlgorithm, signerPublicKey, serialized, certificate.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrChainBroken, err)
	}

	return nil
}

// VerifyChain verifies an ordered chain of certificates, root first, leaf
// last. The root is verified as self-signed; every subsequent certificate
// is verified against its immediate predecessor and must declare that
// predecessor as its ParentID.
func VerifyChain(chain []*Certificate) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty chain", ErrChainBroken)
	}

	root := chain[0]
	if err := Verify(root, root.Algorithm, root.PublicKey); err != nil {
		return fmt.Errorf("root certificate %s: %w", root.ID, err)
	}

	for i := 1; i < len(chain); i++ {
		parent := chain[i-1]
		child := chain[i]

		if child.ParentID != parent.ID {
			return fmt.Errorf("%w: certificate %s does not declare %s as parent", ErrChainBroken, child.ID, parent.ID)
		}

		if err := Verify(child, parent.Algorithm, parent.PublicKey); err != nil {
			return fmt.Errorf("certificate %s: %w", child.ID, err)
		}
	}

	return nil
}

// TerminatesAt reports whether the leaf of chain has the given id, as
// required when fetching an ancestor chain for an expected certificate id.
func TerminatesAt(chain []*Certificate, id string) bool {
	if len(chain) == 0 {
		return false
	}
	return chain[len(chain)-1].ID == id
}
