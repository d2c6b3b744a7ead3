package oauth

import (
	"github.com/haileyok/skyauth/internal/helpers"
)

// FlowState correlates one login attempt from the authorization request to the token exchange.
// It is owned by a single attempt and must not be reused once ExchangeCode has been called.
type FlowState struct {
	State       string
	Handle      string
	Did         string
	PdsUrl      string
	Issuer      string
	ClientId    string
	RedirectUri string
	Scope       string

	AuthorizationEndpoint string
	TokenEndpoint         string
	ParEndpoint           string

	// DpopNonce is the latest nonce handed out by the authorization server.
	DpopNonce string

	Key  *KeyMaterial
	Pkce *helpers.Pkce

	consumed bool
}

// NewFlowState starts the per-attempt state for an already discovered authorization server. state
// must be the value the loopback listener expects and redirectUri the address it actually bound.
func (c *Client) NewFlowState(as *AuthServer, key *KeyMaterial, state, redirectUri string) *FlowState {
	if state == "" {
		state = helpers.GenerateState()
	}

	return &FlowState{
		State:                 state,
		Handle:                as.Handle,
		Did:                   as.Did,
		PdsUrl:                as.PdsUrl,
		Issuer:                as.Issuer,
		ClientId:              c.ClientIdFor(redirectUri),
		RedirectUri:           redirectUri,
		Scope:                 c.scope,
		AuthorizationEndpoint: as.AuthorizationEndpoint,
		TokenEndpoint:         as.TokenEndpoint,
		ParEndpoint:           as.ParEndpoint,
		Key:                   key,
		Pkce:                  helpers.GeneratePkce(),
	}
}
