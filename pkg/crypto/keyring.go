package crypto

import (
	"sort"
	"sync"
)

// KeyRing holds the public keys trusted for verification (rotation support).
type KeyRing struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier // keyID -> Verifier
}

// NewKeyRing creates a KeyRing trusting the given verifiers.
func NewKeyRing(vs ...Verifier) *KeyRing {
	k := &KeyRing{verifiers: make(map[string]Verifier)}
	for _, v := range vs {
		k.AddKey(v)
	}
	return k
}

// AddKey trusts v. Adding the same key twice is a no-op.
func (k *KeyRing) AddKey(v Verifier) {
	if v == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.verifiers[v.KeyID()] = v
}

// AddPublicKey parses and trusts a hex PKIX public key, returning its key id.
func (k *KeyRing) AddPublicKey(pubKeyHex string) (string, error) {
	v, err := ParsePublicKey(pubKeyHex)
	if err != nil {
		return "", err
	}
	k.AddKey(v)
	return v.KeyID(), nil
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.verifiers, keyID)
}

// Has reports whether keyID is trusted.
func (k *KeyRing) Has(keyID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.verifiers[keyID]
	return ok
}

// KeyIDs returns the trusted key ids in sorted order.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.verifiers))
	for id := range k.verifiers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Verify tries every trusted key and returns the id of the one that accepted
// the signature.
func (k *KeyRing) Verify(message []byte, sigHex string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for id, v := range k.verifiers {
		if ok, err := v.Verify(message, sigHex); ok && err == nil {
			return id, true
		}
	}
	return "", false
}
