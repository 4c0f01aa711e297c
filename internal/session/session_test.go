package session

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/n1/n1sync/internal/cert"
	n1crypto "github.com/n1/n1sync/internal/crypto"
	"github.com/n1/n1sync/internal/dao"
	"github.com/n1/n1sync/internal/migrations"
	"github.com/n1/n1sync/internal/transport"
	"github.com/stretchr/testify/require"
)

func setupNegotiator(t *testing.T, baseURL string) (*Negotiator, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "session_test.db"))
	require.NoError(t, err)
	require.NoError(t, migrations.BootstrapSync(db))

	transportClient := transport.New(baseURL)
	syncSessions := dao.NewSyncSessionDAO(db)
	certificates := dao.NewCertificateDAO(db)
	return NewNegotiator(transportClient, syncSessions, certificates, "1.0.0-test"), db
}

func selfSignedRoot(t *testing.T, profile string, algorithm n1crypto.Algorithm) (*cert.Certificate, *n1crypto.KeyPair) {
	t.Helper()
	keypair, err := n1crypto.GenerateKeyPair(algorithm)
	require.NoError(t, err)

	c, err := cert.Sign(cert.Data{
		Profile:         profile,
		ScopeDefinition: "root",
		ScopeVersion:    1,
		Algorithm:       keypair.Algorithm,
		PublicKey:       keypair.PublicKey,
	}, keypair.Algorithm, keypair.PrivateKey)
	require.NoError(t, err)
	return c, keypair
}

func TestCreateSyncSessionHandshake(t *testing.T) {
	clientCert, clientKeys := selfSignedRoot(t, "facilities", n1crypto.AlgorithmEd25519)
	serverCert, serverKeys := selfSignedRoot(t, "facilities", n1crypto.AlgorithmEd25519)

	const fixedNonce = "test-nonce-123"

	mux := http.NewServeMux()
	mux.HandleFunc("/nonces", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(nonceResponse{ID: fixedNonce})
	})
	mux.HandleFunc("/certificates", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, serverCert.ID, r.URL.Query().Get("ancestors_of"))
		chain, err := encodeChain([]*cert.Certificate{serverCert})
		require.NoError(t, err)
		w.Write([]byte(chain))
	})
	mux.HandleFunc("/syncsessions", func(w http.ResponseWriter, r *http.Request) {
		var req handshakeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, fixedNonce, req.Nonce)
		require.Equal(t, clientCert.ID, req.ClientCertificateID)

		message := fixedNonce + ":" + req.ID
		sig, err := n1crypto.Sign(serverCert.Algorithm, serverKeys.PrivateKey, []byte(message))
		require.NoError(t, err)

		_ = json.NewEncoder(w).Encode(handshakeResponse{
			Signature:      base64.StdEncoding.EncodeToString(sig),
			ServerInstance: `{"id":"server-instance"}`,
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	negotiator, db := setupNegotiator(t, server.URL)
	defer db.Close()
	require.NoError(t, negotiator.certificates.Put(clientCert))

	syncSession, err := negotiator.CreateSyncSession(context.Background(), db, clientCert, clientKeys.PrivateKey, serverCert.ID, 500, nil)
	require.NoError(t, err)
	require.True(t, syncSession.Active)
	require.Equal(t, clientCert.ID, syncSession.ClientCertificateID)
	require.Equal(t, serverCert.ID, syncSession.ServerCertificateID)

	stored, err := negotiator.certificates.Get(serverCert.ID)
	require.NoError(t, err)
	require.Equal(t, serverCert.ID, stored.ID)

	reused, err := negotiator.CreateSyncSession(context.Background(), db, clientCert, clientKeys.PrivateKey, serverCert.ID, 500, nil)
	require.NoError(t, err)
	require.Equal(t, syncSession.ID, reused.ID)
}

func TestCreateSyncSessionRejectsBadSignature(t *testing.T) {
	clientCert, clientKeys := selfSignedRoot(t, "facilities", n1crypto.AlgorithmEd25519)
	serverCert, _ := selfSignedRoot(t, "facilities", n1crypto.AlgorithmEd25519)
	wrongKeys, err := n1crypto.GenerateKeyPair(n1crypto.AlgorithmEd25519)
	require.NoError(t, err)

	const fixedNonce = "test-nonce-456"

	mux := http.NewServeMux()
	mux.HandleFunc("/nonces", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(nonceResponse{ID: fixedNonce})
	})
	mux.HandleFunc("/certificates", func(w http.ResponseWriter, r *http.Request) {
		chain, err := encodeChain([]*cert.Certificate{serverCert})
		require.NoError(t, err)
		w.Write([]byte(chain))
	})
	mux.HandleFunc("/syncsessions", func(w http.ResponseWriter, r *http.Request) {
		var req handshakeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		message := fixedNonce + ":" + req.ID
		sig, err := n1crypto.Sign(n1crypto.AlgorithmEd25519, wrongKeys.PrivateKey, []byte(message))
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(handshakeResponse{
			Signature:      base64.StdEncoding.EncodeToString(sig),
			ServerInstance: `{}`,
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	negotiator, db := setupNegotiator(t, server.URL)
	defer db.Close()
	require.NoError(t, negotiator.certificates.Put(clientCert))

	_, err = negotiator.CreateSyncSession(context.Background(), db, clientCert, clientKeys.PrivateKey, serverCert.ID, 500, nil)
	require.ErrorIs(t, err, ErrCertificateSignatureInvalid)
}

func TestCreateSyncSessionRejectsBadChunkSize(t *testing.T) {
	clientCert, clientKeys := selfSignedRoot(t, "facilities", n1crypto.AlgorithmEd25519)
	negotiator, db := setupNegotiator(t, "https://unused.example.com")
	defer db.Close()

	_, err := negotiator.CreateSyncSession(context.Background(), db, clientCert, clientKeys.PrivateKey, "some-server-cert", 250, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRequestCertificateVerifiesAndPersists(t *testing.T) {
	parent, parentKeys := selfSignedRoot(t, "facilities", n1crypto.AlgorithmEd25519)

	mux := http.NewServeMux()
	mux.HandleFunc("/certificates", func(w http.ResponseWriter, r *http.Request) {
		var req csrRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, parent.ID, req.ParentID)

		pub, err := base64.StdEncoding.DecodeString(req.PublicKey)
		require.NoError(t, err)

		issued, err := cert.Sign(cert.Data{
			ParentID:        parent.ID,
			Profile:         req.Profile,
			ScopeDefinition: req.ScopeDefinition,
			ScopeVersion:    req.ScopeVersion,
			Algorithm:       n1crypto.Algorithm(req.Algorithm),
			PublicKey:       pub,
		}, parent.Algorithm, parentKeys.PrivateKey)
		require.NoError(t, err)

		_ = json.NewEncoder(w).Encode(encodeWireCertificate(issued))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	negotiator, db := setupNegotiator(t, server.URL)
	defer db.Close()
	require.NoError(t, negotiator.certificates.Put(parent))

	issued, keypair, err := negotiator.RequestCertificate(context.Background(), parent, "facilities.scope", 1, nil, n1crypto.AlgorithmEd25519, nil)
	require.NoError(t, err)
	require.NotNil(t, keypair)
	require.Equal(t, parent.ID, issued.ParentID)

	stored, err := negotiator.certificates.Get(issued.ID)
	require.NoError(t, err)
	require.Equal(t, issued.ID, stored.ID)
}

func TestRemoteCertificatesVerifiesAgainstKnownParent(t *testing.T) {
	parent, parentKeys := selfSignedRoot(t, "facilities", n1crypto.AlgorithmEd25519)
	childKeys, err := n1crypto.GenerateKeyPair(n1crypto.AlgorithmEd25519)
	require.NoError(t, err)
	child, err := cert.Sign(cert.Data{
		ParentID:        parent.ID,
		Profile:         "facilities",
		ScopeDefinition: "facilities.scope",
		ScopeVersion:    1,
		Algorithm:       childKeys.Algorithm,
		PublicKey:       childKeys.PublicKey,
	}, parent.Algorithm, parentKeys.PrivateKey)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/certificates", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "facilities", r.URL.Query().Get("primary_partition"))
		_ = json.NewEncoder(w).Encode([]wireCertificate{encodeWireCertificate(child)})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	negotiator, db := setupNegotiator(t, server.URL)
	defer db.Close()
	require.NoError(t, negotiator.certificates.Put(parent))

	certs, err := negotiator.RemoteCertificates(context.Background(), "facilities", "", nil)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	require.Equal(t, child.ID, certs[0].ID)
}
