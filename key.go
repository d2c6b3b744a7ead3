package oauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeyMaterial is the P-256 key a single login attempt uses to sign DPoP proofs. It lives only in
// memory and is dropped when the attempt ends.
type KeyMaterial struct {
	privateKey *ecdsa.PrivateKey
	publicJwk  jwk.Key
	publicMap  map[string]any
	thumbprint string

	mu      sync.Mutex
	lastIat int64
}

func GenerateKeyMaterial() (*KeyMaterial, error) {
	pkey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}

	km, err := newKeyMaterial(pkey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}

	return km, nil
}

func newKeyMaterial(pkey *ecdsa.PrivateKey) (*KeyMaterial, error) {
	privJwk, err := jwk.FromRaw(pkey)
	if err != nil {
		return nil, fmt.Errorf("could not build jwk from private key: %w", err)
	}

	pubJwk, err := privJwk.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("could not derive public jwk: %w", err)
	}

	// jwx computes the RFC 7638 form: {"crv","kty","x","y"} in that order, no whitespace
	tp, err := pubJwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("could not compute jwk thumbprint: %w", err)
	}

	b, err := json.Marshal(pubJwk)
	if err != nil {
		return nil, err
	}

	var pubMap map[string]any
	if err := json.Unmarshal(b, &pubMap); err != nil {
		return nil, err
	}

	return &KeyMaterial{
		privateKey: pkey,
		publicJwk:  pubJwk,
		publicMap:  pubMap,
		thumbprint: base64.RawURLEncoding.EncodeToString(tp),
	}, nil
}

// PublicJWK returns a copy of the public key as {kty, crv, x, y}.
func (k *KeyMaterial) PublicJWK() map[string]any {
	m := make(map[string]any, len(k.publicMap))
	for key, v := range k.publicMap {
		m[key] = v
	}
	return m
}

func (k *KeyMaterial) Thumbprint() string {
	return k.thumbprint
}

// issuedAt never goes backwards for a given key, even if the wall clock does.
func (k *KeyMaterial) issuedAt() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now().Unix()
	if now < k.lastIat {
		now = k.lastIat
	}
	k.lastIat = now

	return now
}
