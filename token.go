package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// ExchangeCode trades the authorization code for tokens. The flow is consumed by this call, even
// when it fails, since the code and verifier may only be presented once.
func (c *Client) ExchangeCode(ctx context.Context, flow *FlowState, code string) (*TokenResponse, error) {
	if flow.consumed {
		return nil, fmt.Errorf("%w: flow was already used for a token request", ErrTokenExchange)
	}
	flow.consumed = true

	if code == "" {
		return nil, fmt.Errorf("%w: empty authorization code", ErrTokenExchange)
	}

	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {flow.RedirectUri},
		"client_id":     {flow.ClientId},
		"code_verifier": {flow.Pkce.Verifier},
	}

	status, body, err := c.postDpopForm(ctx, flow, flow.TokenEndpoint, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	if status < 200 || status > 299 {
		var errResp oauthErrorResponse
		_ = json.Unmarshal(body, &errResp)
		return nil, fmt.Errorf("%w: token endpoint returned %d: %s", ErrTokenExchange, status, errResp)
	}

	var tokenResponse TokenResponse
	if err := json.Unmarshal(body, &tokenResponse); err != nil {
		return nil, fmt.Errorf("%w: could not unmarshal token response: %w", ErrTokenExchange, err)
	}

	if tokenResponse.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access_token in token response", ErrTokenExchange)
	}

	// prefer a nonce in the body, otherwise keep whatever the last response header carried
	if tokenResponse.DpopNonce == "" {
		tokenResponse.DpopNonce = flow.DpopNonce
	} else {
		flow.DpopNonce = tokenResponse.DpopNonce
	}

	return &tokenResponse, nil
}
