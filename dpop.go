package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SignProof builds a DPoP proof for a single request. nonce and accessToken are optional; once an
// access token exists it must be passed so the proof carries its hash in `ath`.
func (k *KeyMaterial) SignProof(method, targetUrl, nonce, accessToken string) (string, error) {
	htu, err := proofTargetUri(targetUrl)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": method,
		"htu": htu,
		"iat": k.issuedAt(),
	}

	if nonce != "" {
		claims["nonce"] = nonce
	}

	if accessToken != "" {
		claims["ath"] = accessTokenHash(accessToken)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["alg"] = "ES256"
	token.Header["jwk"] = k.PublicJWK()

	tokenString, err := token.SignedString(k.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign dpop proof: %w", err)
	}

	return tokenString, nil
}

func accessTokenHash(accessToken string) string {
	h := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// htu is the request uri without query or fragment
func proofTargetUri(ustr string) (string, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return "", fmt.Errorf("invalid dpop target url: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("dpop target url must be absolute: %q", ustr)
	}

	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}
