package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/n1/n1sync/internal/cert"
	n1crypto "github.com/n1/n1sync/internal/crypto"
	"github.com/n1/n1sync/internal/dao"
	"github.com/n1/n1sync/internal/transport"
)

// RequestCertificate asks the peer to mint a new certificate chained under
// parent, for a freshly generated keypair of the given algorithm. This is
// the "pull a sub-certificate down from the server" half of the scope
// handshake morango's certificate_signing_request implements; the returned
// certificate is persisted locally. The key pair it was issued for is
// returned to the caller and is not stored here — the vault's secret store
// owns custody of private keys.
func (n *Negotiator) RequestCertificate(ctx context.Context, parent *cert.Certificate, scopeDefinition string, scopeVersion int, scopeParams json.RawMessage, algorithm n1crypto.Algorithm, auth *transport.BasicAuth) (*cert.Certificate, *n1crypto.KeyPair, error) {
	keypair, err := n1crypto.GenerateKeyPair(algorithm)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate keypair for certificate request: %w", err)
	}

	req := csrRequest{
		ParentID:        parent.ID,
		Profile:         parent.Profile,
		ScopeDefinition: scopeDefinition,
		ScopeVersion:    scopeVersion,
		ScopeParams:     string(scopeParams),
		Algorithm:       string(keypair.Algorithm),
		PublicKey:       base64.StdEncoding.EncodeToString(keypair.PublicKey),
	}

	resp, err := n.transport.Do(ctx, transport.Request{
		Endpoint: "/certificates",
		Method:   "POST",
		Body:     req,
		Auth:     auth,
	})
	if err != nil {
		return nil, nil, err
	}

	var wire wireCertificate
	if err := resp.Unmarshal(&wire); err != nil {
		return nil, nil, err
	}
	issued, err := decodeWireCertificate(wire)
	if err != nil {
		return nil, nil, err
	}

	if issued.ParentID != parent.ID {
		return nil, nil, fmt.Errorf("%w: issued certificate %s does not chain to requested parent %s", ErrChainIncomplete, issued.ID, parent.ID)
	}
	if err := cert.Verify(issued, parent.Algorithm, parent.PublicKey); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCertificateSignatureInvalid, err)
	}

	if err := n.certificates.Put(issued); err != nil {
		return nil, nil, fmt.Errorf("failed to persist issued certificate: %w", err)
	}

	return issued, keypair, nil
}

// RemoteCertificates lists the peer's certificates under primaryPartition,
// optionally narrowed to one scope definition id, mirroring morango's
// get_remote_certificates. Each returned certificate is verified against its
// declared parent (which must already be locally known, typically the
// server's own root) before being persisted.
func (n *Negotiator) RemoteCertificates(ctx context.Context, primaryPartition, scopeDefinitionID string, auth *transport.BasicAuth) ([]*cert.Certificate, error) {
	query := url.Values{"primary_partition": {primaryPartition}}
	if scopeDefinitionID != "" {
		query.Set("scope_definition_id", scopeDefinitionID)
	}

	resp, err := n.transport.Do(ctx, transport.Request{
		Endpoint: "/certificates",
		Method:   "GET",
		Query:    query,
		Auth:     auth,
	})
	if err != nil {
		return nil, err
	}

	var wire []wireCertificate
	if err := resp.Unmarshal(&wire); err != nil {
		return nil, err
	}

	certs := make([]*cert.Certificate, 0, len(wire))
	for _, w := range wire {
		c, err := decodeWireCertificate(w)
		if err != nil {
			return nil, err
		}

		parent, err := n.certificates.Get(c.ParentID)
		if err != nil {
			if errors.Is(err, dao.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown parent %s for remote certificate %s", ErrChainIncomplete, c.ParentID, c.ID)
			}
			return nil, err
		}
		if err := cert.Verify(c, parent.Algorithm, parent.PublicKey); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertificateSignatureInvalid, err)
		}

		if err := n.certificates.Put(c); err != nil {
			return nil, fmt.Errorf("failed to persist remote certificate %s: %w", c.ID, err)
		}
		certs = append(certs, c)
	}

	return certs, nil
}
