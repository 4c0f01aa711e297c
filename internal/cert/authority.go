package cert

import (
	"fmt"

	"github.com/n1/n1sync/internal/crypto"
)

// Request is a certificate signing request, mirroring the POST /certificates
// wire payload.
type Request struct {
	ParentID        string
	Profile         string
	ScopeDefinition string
	ScopeVersion    int
	ScopeParams     []byte
	Algorithm       crypto.Algorithm
	PublicKey       []byte
}

// Authority signs certificate requests and verifies certificates against
// its own chain of trust. The core treats it as an external collaborator;
// LocalAuthority below is the reference implementation backing cmd/synccli's
// request-cert subcommand.
type Authority interface {
	Sign(req Request) (*Certificate, error)
	Root() *Certificate
}

// LocalAuthority signs requests with a locally held root keypair.
type LocalAuthority struct {
	root       *Certificate
	privateKey []byte
}

// NewLocalAuthority creates a self-signed root certificate for profile and
// returns an Authority that signs requests under it.
func NewLocalAuthority(profile string, algorithm crypto.Algorithm) (*LocalAuthority, error) {
	keypair, err := crypto.GenerateKeyPair(algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root keypair: %w", err)
	}

	data := Data{
		Profile:         profile,
		ScopeDefinition: "root",
		ScopeVersion:    1,
		Algorithm:       keypair.Algorithm,
		PublicKey:       keypair.PublicKey,
	}

	root, err := Sign(data, keypair.Algorithm, keypair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to self-sign root certificate: %w", err)
	}

	return &LocalAuthority{root: root, privateKey: keypair.PrivateKey}, nil
}

// Root returns the authority's root certificate.
func (a *LocalAuthority) Root() *Certificate {
	return a.root
}

// PrivateKey returns the root keypair's private key, for callers (cmd/synccli)
// that take custody of it in the secret store alongside the certificate id.
func (a *LocalAuthority) PrivateKey() []byte {
	return a.privateKey
}

// Sign issues a certificate for req, chained under the authority's root.
func (a *LocalAuthority) Sign(req Request) (*Certificate, error) {
	if len(req.PublicKey) == 0 {
		return nil, fmt.Errorf("certificate request missing public key")
	}

	algorithm := req.Algorithm
	if algorithm == "" {
		algorithm = crypto.AlgorithmEd25519
	}

	data := Data{
		ParentID:        a.root.ID,
		Profile:         req.Profile,
		ScopeDefinition: req.ScopeDefinition,
		ScopeVersion:    req.ScopeVersion,
		ScopeParams:     req.ScopeParams,
		Algorithm:       algorithm,
		PublicKey:       req.PublicKey,
	}

	return Sign(data, a.root.Algorithm, a.privateKey)
}
