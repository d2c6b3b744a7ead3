package helpers

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeneratePkce(t *testing.T) {
	assert := assert.New(t)

	p := GeneratePkce()

	raw, err := base64.RawURLEncoding.DecodeString(p.Verifier)
	assert.NoError(err)
	assert.Len(raw, 32)

	sum := sha256.Sum256([]byte(p.Verifier))
	assert.Equal(base64.RawURLEncoding.EncodeToString(sum[:]), p.Challenge)
	assert.Equal("S256", p.Method)
}

func TestGenerateCodeChallengeDeterministic(t *testing.T) {
	assert := assert.New(t)

	p := GeneratePkce()
	assert.Equal(p.Challenge, GenerateCodeChallenge(p.Verifier))
	assert.Equal(GenerateCodeChallenge(p.Verifier), GenerateCodeChallenge(p.Verifier))
}

func TestGeneratePkceUnique(t *testing.T) {
	assert := assert.New(t)

	a := GeneratePkce()
	b := GeneratePkce()
	assert.NotEqual(a.Verifier, b.Verifier)
	assert.NotEqual(a.Challenge, b.Challenge)
}

func TestGenerateState(t *testing.T) {
	assert := assert.New(t)

	assert.NotEmpty(GenerateState())
	assert.NotEqual(GenerateState(), GenerateState())
}
