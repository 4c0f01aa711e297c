// Package session implements the Session Negotiator: establishing a mutually
// authenticated SyncSession with a peer before any records change hands,
// grounded on morango's NetworkSyncConnection.create_sync_session handshake.
package session

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/n1/n1sync/internal/cert"
	n1crypto "github.com/n1/n1sync/internal/crypto"
	"github.com/n1/n1sync/internal/dao"
	"github.com/n1/n1sync/internal/instance"
	"github.com/n1/n1sync/internal/log"
	"github.com/n1/n1sync/internal/transport"
	"golang.org/x/sync/errgroup"
)

// Negotiator establishes and tears down SyncSessions against one peer.
type Negotiator struct {
	transport    *transport.Client
	syncSessions *dao.SyncSessionDAO
	certificates *dao.CertificateDAO
	localVersion string
}

// NewNegotiator creates a Negotiator for one peer, identified by
// transportClient's base URL.
func NewNegotiator(transportClient *transport.Client, syncSessions *dao.SyncSessionDAO, certificates *dao.CertificateDAO, localVersion string) *Negotiator {
	return &Negotiator{
		transport:    transportClient,
		syncSessions: syncSessions,
		certificates: certificates,
		localVersion: localVersion,
	}
}

// CreateSyncSession negotiates (or reuses) a SyncSession with the peer under
// clientCert/clientPrivateKey against serverCertID. auth carries the Basic
// credentials the peer expects. chunkSize governs the later Chunked
// Exchanger and is validated here so a bad session is never persisted.
func (n *Negotiator) CreateSyncSession(ctx context.Context, localInstanceDB *sql.DB, clientCert *cert.Certificate, clientPrivateKey []byte, serverCertID string, chunkSize int, auth *transport.BasicAuth) (*dao.SyncSession, error) {
	if err := ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}

	if existing, err := n.syncSessions.FindActive(clientCert.ID, serverCertID); err == nil {
		log.Info().Str("sync_session_id", existing.ID).Msg("session: reusing active sync session")
		return existing, nil
	} else if !errors.Is(err, dao.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up active sync session: %w", err)
	}

	localDescriptor, err := instance.Ensure(localInstanceDB, n.localVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load local instance descriptor: %w", err)
	}

	var nonce string
	var serverCertChain []*cert.Certificate

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fetched, err := n.fetchNonce(gctx, auth)
		if err != nil {
			return err
		}
		nonce = fetched
		return nil
	})
	g.Go(func() error {
		chain, err := n.ensureCertificateChain(gctx, serverCertID, auth)
		if err != nil {
			return err
		}
		serverCertChain = chain
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	serverCert := serverCertChain[len(serverCertChain)-1]

	clientChain, err := n.certificates.Chain(clientCert.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load local certificate chain: %w", err)
	}
	encodedChain, err := encodeChain(clientChain)
	if err != nil {
		return nil, err
	}

	encodedInstance, err := instance.Serialize(localDescriptor)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	message := fmt.Sprintf("%s:%s", nonce, sessionID)
	signature, err := n1crypto.Sign(clientCert.Algorithm, clientPrivateKey, []byte(message))
	if err != nil {
		return nil, fmt.Errorf("failed to sign handshake: %w", err)
	}

	baseURL := n.transport.BaseURL
	req := handshakeRequest{
		ID:                  sessionID,
		Profile:             clientCert.Profile,
		ClientCertificateID: clientCert.ID,
		ServerCertificateID: serverCertID,
		CertificateChain:    encodedChain,
		ConnectionPath:      baseURL,
		Instance:            encodedInstance,
		Nonce:               nonce,
		ClientIP:            clientIPHint(baseURL),
		ServerIP:            serverIPHint(baseURL),
		Signature:           base64.StdEncoding.EncodeToString(signature),
	}

	resp, err := n.transport.Do(ctx, transport.Request{
		Endpoint: "/syncsessions",
		Method:   "POST",
		Body:     req,
		Auth:     auth,
	})
	if err != nil {
		return nil, err
	}

	var handshakeResp handshakeResponse
	if err := resp.Unmarshal(&handshakeResp); err != nil {
		return nil, err
	}

	peerSignature, err := base64.StdEncoding.DecodeString(handshakeResp.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode peer handshake signature: %w", err)
	}
	if err := n1crypto.Verify(serverCert.Algorithm, serverCert.PublicKey, []byte(message), peerSignature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateSignatureInvalid, err)
	}

	now := time.Now().UTC()
	syncSession := &dao.SyncSession{
		ID:                    sessionID,
		StartTimestamp:        now,
		LastActivityTimestamp: now,
		Active:                true,
		IsServer:              false,
		ClientCertificateID:   clientCert.ID,
		ServerCertificateID:   serverCertID,
		Profile:               clientCert.Profile,
		ConnectionKind:        "network",
		ConnectionPath:        baseURL,
		ClientInstance:        encodedInstance,
		ServerInstance:        handshakeResp.ServerInstance,
		ClientIP:              req.ClientIP,
		ServerIP:              req.ServerIP,
	}
	if err := n.syncSessions.Insert(syncSession); err != nil {
		return nil, fmt.Errorf("failed to persist sync session: %w", err)
	}

	log.Info().Str("sync_session_id", sessionID).Str("server_certificate_id", serverCertID).Msg("session: handshake complete")
	return syncSession, nil
}

// CloseSyncSession deactivates a SyncSession, locally and (best-effort) on
// the peer.
func (n *Negotiator) CloseSyncSession(ctx context.Context, s *dao.SyncSession, auth *transport.BasicAuth) error {
	if _, err := n.transport.Do(ctx, transport.Request{
		Endpoint: "/syncsessions/",
		Method:   "DELETE",
		Lookup:   s.ID,
		Auth:     auth,
	}); err != nil {
		var statusErr *transport.HTTPStatusError
		if !errors.As(err, &statusErr) {
			log.Warn().Err(err).Str("sync_session_id", s.ID).Msg("session: failed to notify peer of close, closing locally anyway")
		}
	}
	return n.syncSessions.Deactivate(s.ID)
}

func (n *Negotiator) fetchNonce(ctx context.Context, auth *transport.BasicAuth) (string, error) {
	resp, err := n.transport.Do(ctx, transport.Request{Endpoint: "/nonces", Method: "POST", Auth: auth})
	if err != nil {
		return "", err
	}
	var nr nonceResponse
	if err := resp.Unmarshal(&nr); err != nil {
		return "", err
	}
	return nr.ID, nil
}

// ensureCertificateChain returns the local chain for certID, fetching and
// verifying it from the peer first if it isn't already on file.
func (n *Negotiator) ensureCertificateChain(ctx context.Context, certID string, auth *transport.BasicAuth) ([]*cert.Certificate, error) {
	if chain, err := n.certificates.Chain(certID); err == nil {
		return chain, nil
	} else if !errors.Is(err, dao.ErrNotFound) {
		return nil, fmt.Errorf("failed to check local certificate chain: %w", err)
	}

	chain, err := n.fetchAncestorChain(ctx, certID, auth)
	if err != nil {
		return nil, err
	}
	if !cert.TerminatesAt(chain, certID) {
		return nil, fmt.Errorf("%w: requested %s", ErrChainIncomplete, certID)
	}
	if err := cert.VerifyChain(chain); err != nil {
		return nil, err
	}
	for _, c := range chain {
		if err := n.certificates.Put(c); err != nil {
			return nil, fmt.Errorf("failed to persist fetched certificate %s: %w", c.ID, err)
		}
	}
	return chain, nil
}

func (n *Negotiator) fetchAncestorChain(ctx context.Context, certID string, auth *transport.BasicAuth) ([]*cert.Certificate, error) {
	resp, err := n.transport.Do(ctx, transport.Request{
		Endpoint: "/certificates",
		Method:   "GET",
		Query:    url.Values{"ancestors_of": {certID}},
		Auth:     auth,
	})
	if err != nil {
		return nil, err
	}
	return decodeChain(resp.Body)
}
