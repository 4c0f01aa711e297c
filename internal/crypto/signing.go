package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Algorithm identifies a certificate signing algorithm.
type Algorithm string

const (
	// AlgorithmEd25519 is the default signing algorithm for new certificates.
	AlgorithmEd25519 Algorithm = "ed25519"

	// AlgorithmSecp256k1 is an alternate signing algorithm, used by peers
	// that carry certificates minted outside this vault.
	AlgorithmSecp256k1 Algorithm = "secp256k1"
)

// ErrInvalidSignature is returned by Verify when a signature does not match
// the given public key and message.
var ErrInvalidSignature = errors.New("invalid signature")

// ErrUnsupportedAlgorithm is returned for an Algorithm this package does not
// implement.
var ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

// KeyPair is a generated signing keypair for one Algorithm.
type KeyPair struct {
	Algorithm  Algorithm
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateKeyPair creates a new keypair for the given algorithm.
func GenerateKeyPair(algorithm Algorithm) (*KeyPair, error) {
	switch algorithm {
	case AlgorithmEd25519, "":
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 keypair: %w", err)
		}
		return &KeyPair{Algorithm: AlgorithmEd25519, PublicKey: pub, PrivateKey: priv}, nil
	case AlgorithmSecp256k1:
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate secp256k1 keypair: %w", err)
		}
		return &KeyPair{
			Algorithm:  AlgorithmSecp256k1,
			PublicKey:  priv.PubKey().SerializeCompressed(),
			PrivateKey: priv.Serialize(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// Sign signs message with privateKey under the given algorithm.
func Sign(algorithm Algorithm, privateKey, message []byte) ([]byte, error) {
	switch algorithm {
	case AlgorithmEd25519, "":
		if len(privateKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("%w: bad ed25519 private key length", ErrUnsupportedAlgorithm)
		}
		return ed25519.Sign(ed25519.PrivateKey(privateKey), message), nil
	case AlgorithmSecp256k1:
		priv := secp256k1.PrivKeyFromBytes(privateKey)
		digest := sha256.Sum256(message)
		sig := ecdsa.Sign(priv, digest[:])
		return sig.Serialize(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// Verify checks that signature is a valid signature of message under publicKey.
func Verify(algorithm Algorithm, publicKey, message, signature []byte) error {
	switch algorithm {
	case AlgorithmEd25519, "":
		if len(publicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: bad ed25519 public key length", ErrUnsupportedAlgorithm)
		}
		if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
			return ErrInvalidSignature
		}
		return nil
	case AlgorithmSecp256k1:
		pub, err := secp256k1.ParsePubKey(publicKey)
		if err != nil {
			return fmt.Errorf("failed to parse secp256k1 public key: %w", err)
		}
		sig, err := ecdsa.ParseDERSignature(signature)
		if err != nil {
			return fmt.Errorf("failed to parse secp256k1 signature: %w", err)
		}
		digest := sha256.Sum256(message)
		if !sig.Verify(digest[:], pub) {
			return ErrInvalidSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}
