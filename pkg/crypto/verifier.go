package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
)

// Verifier checks detached hex signatures against one public key.
type Verifier interface {
	Verify(message []byte, sigHex string) (bool, error)
	PublicKey() string
	KeyID() string
}

// ParsePublicKey builds a Verifier from a hex encoded PKIX DER public key.
func ParsePublicKey(pubKeyHex string) (Verifier, error) {
	der, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	switch k := key.(type) {
	case ed25519.PublicKey:
		return &Ed25519Verifier{key: k, pubDER: der, keyID: fingerprint(AlgorithmEd25519, der)}, nil
	case *ecdsa.PublicKey:
		return &ECDSAVerifier{key: k, pubDER: der, keyID: fingerprint(AlgorithmECDSA, der)}, nil
	case *rsa.PublicKey:
		return &RSAVerifier{key: k, pubDER: der, keyID: fingerprint(AlgorithmRSAPSS, der)}, nil
	default:
		return nil, fmt.Errorf("%w: public key type %T", ErrUnsupportedAlgorithm, key)
	}
}

// Verify verifies a signature against a hex encoded public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	v, err := ParsePublicKey(pubKeyHex)
	if err != nil {
		return false, err
	}
	return v.Verify(data, sigHex)
}

// Ed25519Verifier implements Verifier using Ed25519.
type Ed25519Verifier struct {
	key    ed25519.PublicKey
	pubDER []byte
	keyID  string
}

func (v *Ed25519Verifier) Verify(message []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(v.key, message, sig), nil
}

func (v *Ed25519Verifier) PublicKey() string { return hex.EncodeToString(v.pubDER) }
func (v *Ed25519Verifier) KeyID() string     { return v.keyID }

// ECDSAVerifier implements Verifier using ECDSA.
type ECDSAVerifier struct {
	key    *ecdsa.PublicKey
	pubDER []byte
	keyID  string
}

func (v *ECDSAVerifier) Verify(message []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ecdsa.VerifyASN1(v.key, ecdsaDigest(v.key.Curve, message), sig), nil
}

func (v *ECDSAVerifier) PublicKey() string { return hex.EncodeToString(v.pubDER) }
func (v *ECDSAVerifier) KeyID() string     { return v.keyID }

// RSAVerifier implements Verifier using RSA-PSS.
type RSAVerifier struct {
	key    *rsa.PublicKey
	pubDER []byte
	keyID  string
}

func (v *RSAVerifier) Verify(message []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	digest := sha256.Sum256(message)
	return rsa.VerifyPSS(v.key, crypto.SHA256, digest[:], sig, nil) == nil, nil
}

func (v *RSAVerifier) PublicKey() string { return hex.EncodeToString(v.pubDER) }
func (v *RSAVerifier) KeyID() string     { return v.keyID }
