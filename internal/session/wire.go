package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/n1/n1sync/internal/cert"
)

// handshakeRequest is the POST /syncsessions wire payload: mirrors
// morango's SyncSessionSerializer fields plus the nonce/signature exchange
// used to prove both sides hold the private key behind their certificate.
type handshakeRequest struct {
	ID                  string `json:"id"`
	Profile             string `json:"profile"`
	ClientCertificateID string `json:"client_certificate_id"`
	ServerCertificateID string `json:"server_certificate_id"`
	CertificateChain    string `json:"certificate_chain"`
	ConnectionPath      string `json:"connection_path"`
	Instance            string `json:"instance"`
	Nonce               string `json:"nonce"`
	ClientIP            string `json:"client_ip"`
	ServerIP            string `json:"server_ip"`
	Signature           string `json:"signature"`
}

// handshakeResponse is the peer's answer: its own signature over the same
// nonce/id message, proving it holds the server certificate's private key,
// plus its instance descriptor.
type handshakeResponse struct {
	Signature      string `json:"signature"`
	ServerInstance string `json:"server_instance"`
}

// nonceResponse is the POST /nonces response payload.
type nonceResponse struct {
	ID string `json:"id"`
}

// wireCertificate is the wire representation of one certificate: its signed
// content re-encoded as a JSON string (so the hash a peer derives from it is
// exactly what was transmitted) plus a base64 signature.
type wireCertificate struct {
	Serialized string `json:"serialized"`
	Signature  string `json:"signature"`
}

func encodeWireCertificate(c *cert.Certificate) wireCertificate {
	return wireCertificate{
		Serialized: string(c.Serialized),
		Signature:  base64.StdEncoding.EncodeToString(c.Signature),
	}
}

func decodeWireCertificate(w wireCertificate) (*cert.Certificate, error) {
	var data cert.Data
	if err := json.Unmarshal([]byte(w.Serialized), &data); err != nil {
		return nil, fmt.Errorf("failed to decode wire certificate data: %w", err)
	}
	signature, err := base64.StdEncoding.DecodeString(w.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wire certificate signature: %w", err)
	}
	return &cert.Certificate{
		ID:         cert.DeriveID([]byte(w.Serialized)),
		Data:       data,
		Serialized: []byte(w.Serialized),
		Signature:  signature,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func encodeChain(chain []*cert.Certificate) (string, error) {
	wire := make([]wireCertificate, len(chain))
	for i, c := range chain {
		wire[i] = encodeWireCertificate(c)
	}
	encoded, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("failed to encode certificate chain: %w", err)
	}
	return string(encoded), nil
}

func decodeChain(encoded []byte) ([]*cert.Certificate, error) {
	var wire []wireCertificate
	if err := json.Unmarshal(encoded, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode certificate chain: %w", err)
	}
	chain := make([]*cert.Certificate, len(wire))
	for i, w := range wire {
		c, err := decodeWireCertificate(w)
		if err != nil {
			return nil, err
		}
		chain[i] = c
	}
	return chain, nil
}

// csrRequest is the POST /certificates wire payload (certificate signing
// request).
type csrRequest struct {
	ParentID        string `json:"parent_id"`
	Profile         string `json:"profile"`
	ScopeDefinition string `json:"scope_definition"`
	ScopeVersion    int    `json:"scope_version"`
	ScopeParams     string `json:"scope_params,omitempty"`
	Algorithm       string `json:"algorithm"`
	PublicKey       string `json:"public_key"`
}
