// Package crypto provides the signing key pairs and canonical hashing used
// by the forensic ledger.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// Algorithm names a signature scheme.
type Algorithm string

const (
	AlgorithmEd25519 Algorithm = "ed25519"
	AlgorithmECDSA   Algorithm = "ecdsa"
	AlgorithmRSAPSS  Algorithm = "rsa-pss"
)

var (
	// ErrUnsupportedAlgorithm is returned for unknown algorithm names or key sizes.
	ErrUnsupportedAlgorithm = errors.New("crypto: unsupported signing algorithm")
	// ErrKeyGeneration is returned when a key pair cannot be created.
	ErrKeyGeneration = errors.New("crypto: key generation failed")
)

// Signer produces detached hex signatures.
type Signer interface {
	Sign(data []byte) (string, error)
	// PublicKey returns the hex encoded PKIX DER public key.
	PublicKey() string
	KeyID() string
	Algorithm() Algorithm
	Verifier() Verifier
}

// ParseAlgorithm accepts the configuration spelling of an algorithm.
func ParseAlgorithm(raw string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(raw))); a {
	case AlgorithmEd25519, AlgorithmECDSA, AlgorithmRSAPSS:
		return a, nil
	case "", "eddsa":
		return AlgorithmEd25519, nil
	case "rsa":
		return AlgorithmRSAPSS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, raw)
	}
}

// CheckKeySize reports whether NewSigner accepts keySize for alg without
// generating a key.
func CheckKeySize(alg Algorithm, keySize int) error {
	switch alg {
	case AlgorithmEd25519, "":
		return nil
	case AlgorithmECDSA:
		switch keySize {
		case 0, 256, 384, 521:
			return nil
		}
		return fmt.Errorf("%w: ecdsa key size %d", ErrUnsupportedAlgorithm, keySize)
	case AlgorithmRSAPSS:
		if keySize == 0 || keySize >= 2048 {
			return nil
		}
		return fmt.Errorf("%w: rsa key size %d below 2048", ErrUnsupportedAlgorithm, keySize)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// NewSigner generates a fresh key pair. keySize is ignored for Ed25519, is the
// curve size for ECDSA (256, 384, 521) and the modulus size for RSA (>= 2048).
func NewSigner(alg Algorithm, keySize int) (Signer, error) {
	switch alg {
	case AlgorithmEd25519, "":
		return NewEd25519Signer()
	case AlgorithmECDSA:
		return NewECDSASigner(keySize)
	case AlgorithmRSAPSS:
		return NewRSASigner(keySize)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	pubDER  []byte
	keyID   string
}

func NewEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	return NewEd25519SignerFromKey(priv)
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	pub := priv.Public().(ed25519.PublicKey)
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		pubDER:  der,
		keyID:   fingerprint(AlgorithmEd25519, der),
	}, nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) PublicKey() string    { return hex.EncodeToString(s.pubDER) }
func (s *Ed25519Signer) KeyID() string        { return s.keyID }
func (s *Ed25519Signer) Algorithm() Algorithm { return AlgorithmEd25519 }

func (s *Ed25519Signer) Verifier() Verifier {
	return &Ed25519Verifier{key: s.pubKey, pubDER: s.pubDER, keyID: s.keyID}
}

// ECDSASigner signs ASN.1 encoded ECDSA signatures over a curve-sized digest.
type ECDSASigner struct {
	privKey *ecdsa.PrivateKey
	pubDER  []byte
	keyID   string
}

func NewECDSASigner(keySize int) (*ECDSASigner, error) {
	var curve elliptic.Curve
	switch keySize {
	case 0, 256:
		curve = elliptic.P256()
	case 384:
		curve = elliptic.P384()
	case 521:
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("%w: ecdsa key size %d", ErrUnsupportedAlgorithm, keySize)
	}
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	return &ECDSASigner{privKey: priv, pubDER: der, keyID: fingerprint(AlgorithmECDSA, der)}, nil
}

func (s *ECDSASigner) Sign(data []byte) (string, error) {
	sig, err := ecdsa.SignASN1(rand.Reader, s.privKey, ecdsaDigest(s.privKey.Curve, data))
	if err != nil {
		return "", fmt.Errorf("crypto: ecdsa sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

func (s *ECDSASigner) PublicKey() string    { return hex.EncodeToString(s.pubDER) }
func (s *ECDSASigner) KeyID() string        { return s.keyID }
func (s *ECDSASigner) Algorithm() Algorithm { return AlgorithmECDSA }

func (s *ECDSASigner) Verifier() Verifier {
	return &ECDSAVerifier{key: &s.privKey.PublicKey, pubDER: s.pubDER, keyID: s.keyID}
}

// RSASigner signs RSA-PSS signatures over SHA-256.
type RSASigner struct {
	privKey *rsa.PrivateKey
	pubDER  []byte
	keyID   string
}

func NewRSASigner(keySize int) (*RSASigner, error) {
	if keySize == 0 {
		keySize = 2048
	}
	if keySize < 2048 {
		return nil, fmt.Errorf("%w: rsa key size %d below 2048", ErrUnsupportedAlgorithm, keySize)
	}
	priv, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	return &RSASigner{privKey: priv, pubDER: der, keyID: fingerprint(AlgorithmRSAPSS, der)}, nil
}

func (s *RSASigner) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, s.privKey, crypto.SHA256, digest[:], nil)
	if err != nil {
		return "", fmt.Errorf("crypto: rsa sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

func (s *RSASigner) PublicKey() string    { return hex.EncodeToString(s.pubDER) }
func (s *RSASigner) KeyID() string        { return s.keyID }
func (s *RSASigner) Algorithm() Algorithm { return AlgorithmRSAPSS }

func (s *RSASigner) Verifier() Verifier {
	return &RSAVerifier{key: &s.privKey.PublicKey, pubDER: s.pubDER, keyID: s.keyID}
}

// fingerprint derives a short stable key id from the public key DER.
func fingerprint(alg Algorithm, der []byte) string {
	sum := sha256.Sum256(der)
	return string(alg) + ":" + hex.EncodeToString(sum[:8])
}

func ecdsaDigest(curve elliptic.Curve, data []byte) []byte {
	var h hash.Hash
	switch curve.Params().BitSize {
	case 384:
		h = sha512.New384()
	case 521:
		h = sha512.New()
	default:
		h = sha256.New()
	}
	h.Write(data)
	return h.Sum(nil)
}
