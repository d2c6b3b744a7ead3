package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// AuthorizeURL returns the url the user has to visit. When the server supports PAR the parameters
// are pushed first and the browser only receives the request_uri.
func (c *Client) AuthorizeURL(ctx context.Context, flow *FlowState) (string, error) {
	if flow.ParEndpoint == "" {
		return c.directAuthorizeURL(flow), nil
	}

	parResp, err := c.SendParAuthRequest(ctx, flow)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthorization, err)
	}

	u, err := url.Parse(flow.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("%w: invalid authorization endpoint: %w", ErrAuthorization, err)
	}

	u.RawQuery = url.Values{
		"client_id":   {flow.ClientId},
		"request_uri": {parResp.RequestUri},
	}.Encode()

	return u.String(), nil
}

func (c *Client) directAuthorizeURL(flow *FlowState) string {
	cfg := oauth2.Config{
		ClientID:    flow.ClientId,
		RedirectURL: flow.RedirectUri,
		Scopes:      strings.Fields(flow.Scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:  flow.AuthorizationEndpoint,
			TokenURL: flow.TokenEndpoint,
		},
	}

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(flow.Pkce.Verifier)}
	if flow.Handle != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", flow.Handle))
	}

	return cfg.AuthCodeURL(flow.State, opts...)
}

func (c *Client) SendParAuthRequest(ctx context.Context, flow *FlowState) (*SendParAuthResponse, error) {
	if _, err := isSafeAndParsed(flow.ParEndpoint); err != nil {
		return nil, err
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {flow.ClientId},
		"redirect_uri":          {flow.RedirectUri},
		"state":                 {flow.State},
		"code_challenge":        {flow.Pkce.Challenge},
		"code_challenge_method": {flow.Pkce.Method},
		"scope":                 {flow.Scope},
	}

	if flow.Handle != "" {
		params.Set("login_hint", flow.Handle)
	}

	status, body, err := c.postDpopForm(ctx, flow, flow.ParEndpoint, params)
	if err != nil {
		return nil, err
	}

	if status < 200 || status > 299 {
		var errResp oauthErrorResponse
		_ = json.Unmarshal(body, &errResp)
		return nil, fmt.Errorf("par request rejected with status %d: %s", status, errResp)
	}

	var parResp SendParAuthResponse
	if err := json.Unmarshal(body, &parResp); err != nil {
		return nil, fmt.Errorf("could not unmarshal par response: %w", err)
	}

	if parResp.RequestUri == "" {
		return nil, fmt.Errorf("no request_uri in par response")
	}

	return &parResp, nil
}

// postDpopForm posts a form to the authorization server with a fresh DPoP proof. A use_dpop_nonce
// challenge is answered once with a proof carrying the server's nonce. Any nonce the server hands
// out is kept on the flow for the next request.
func (c *Client) postDpopForm(ctx context.Context, flow *FlowState, endpoint string, params url.Values) (int, []byte, error) {
	for attempt := range 2 {
		dpopProof, err := flow.Key.SignProof("POST", endpoint, flow.DpopNonce, "")
		if err != nil {
			return 0, nil, fmt.Errorf("error getting dpop proof: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return 0, nil, err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("DPoP", dpopProof)

		resp, err := c.h.Do(req)
		if err != nil {
			return 0, nil, fmt.Errorf("could not get response from %s: %w", endpoint, err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return 0, nil, fmt.Errorf("could not read body: %w", err)
		}

		prevNonce := flow.DpopNonce
		if nonce := resp.Header.Get("DPoP-Nonce"); nonce != "" {
			flow.DpopNonce = nonce
		}

		if attempt == 0 && resp.StatusCode == http.StatusBadRequest && flow.DpopNonce != prevNonce {
			var errResp oauthErrorResponse
			if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error == "use_dpop_nonce" {
				c.logger.Debug("retrying with server issued dpop nonce", "endpoint", endpoint)
				continue
			}
		}

		return resp.StatusCode, body, nil
	}

	return 0, nil, fmt.Errorf("server kept rejecting the dpop nonce")
}
