package helpers

import (
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Pkce holds one verifier and its S256 challenge. The verifier stays local until the token request.
type Pkce struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePkce returns a verifier of 32 random bytes, base64url encoded, and its challenge.
func GeneratePkce() *Pkce {
	verifier := oauth2.GenerateVerifier()

	return &Pkce{
		Verifier:  verifier,
		Challenge: GenerateCodeChallenge(verifier),
		Method:    "S256",
	}
}

func GenerateCodeChallenge(pkceVerifier string) string {
	return oauth2.S256ChallengeFromVerifier(pkceVerifier)
}

func GenerateState() string {
	return uuid.NewString()
}
