package oauth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeCode(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	as := newTestAuthServer(t)
	c := as.client(t)
	fs := newTestFlowState(t, as, c)

	resp, err := c.ExchangeCode(ctx, fs, "code-1")
	require.NoError(err)

	assert.Equal("abc123", resp.AccessToken)
	assert.Equal("refresh123", resp.RefreshToken)
	assert.Equal(testDid, resp.Sub)
	assert.Equal("DPoP", resp.TokenType)

	as.mu.Lock()
	defer as.mu.Unlock()

	assert.Equal("authorization_code", as.tokenParams.Get("grant_type"))
	assert.Equal("code-1", as.tokenParams.Get("code"))
	assert.Equal(fs.Pkce.Verifier, as.tokenParams.Get("code_verifier"))
	assert.Equal(testRedirectUri, as.tokenParams.Get("redirect_uri"))
	assert.Equal(fs.ClientId, as.tokenParams.Get("client_id"))

	require.Len(as.proofs, 1)
	assert.Equal(as.srv.URL+"/oauth/token", as.proofs[0]["htu"])
	assert.NotContains(as.proofs[0], "ath")
}

func TestExchangeCodeWithoutRefreshToken(t *testing.T) {
	as := newTestAuthServer(t)
	as.refreshToken = ""
	c := as.client(t)

	resp, err := c.ExchangeCode(ctx, newTestFlowState(t, as, c), "code-1")
	require.NoError(t, err)

	assert.Equal(t, "abc123", resp.AccessToken)
	assert.Empty(t, resp.RefreshToken)
}

func TestExchangeCodeNonceRetry(t *testing.T) {
	assert := assert.New(t)

	as := newTestAuthServer(t)
	as.nonce = "server-nonce-2"
	c := as.client(t)
	fs := newTestFlowState(t, as, c)

	resp, err := c.ExchangeCode(ctx, fs, "code-1")
	require.NoError(t, err)

	assert.Equal("server-nonce-2", resp.DpopNonce)
	assert.Equal(1, as.tokenCallCount())
}

func TestExchangeCodeFailures(t *testing.T) {
	as := newTestAuthServer(t)
	as.tokenStatus = http.StatusBadRequest
	c := as.client(t)

	_, err := c.ExchangeCode(ctx, newTestFlowState(t, as, c), "code-1")
	assert.ErrorIs(t, err, ErrTokenExchange)
	assert.ErrorContains(t, err, "invalid_grant")

	as.tokenStatus = http.StatusOK
	as.accessToken = ""

	_, err = c.ExchangeCode(ctx, newTestFlowState(t, as, c), "code-1")
	assert.ErrorIs(t, err, ErrTokenExchange)

	_, err = c.ExchangeCode(ctx, newTestFlowState(t, as, c), "")
	assert.ErrorIs(t, err, ErrTokenExchange)
}

func TestExchangeCodeOnce(t *testing.T) {
	as := newTestAuthServer(t)
	c := as.client(t)
	fs := newTestFlowState(t, as, c)

	_, err := c.ExchangeCode(ctx, fs, "code-1")
	require.NoError(t, err)

	_, err = c.ExchangeCode(ctx, fs, "code-1")
	assert.ErrorIs(t, err, ErrTokenExchange)
	assert.Equal(t, 1, as.tokenCallCount())
}
