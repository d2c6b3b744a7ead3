package oauth

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// DpopTransport authorizes resource server requests with a DPoP bound access token. Every request
// gets a fresh proof bound to the token, and a use_dpop_nonce challenge is retried once when the
// request body can be replayed.
type DpopTransport struct {
	Base        http.RoundTripper
	Key         *KeyMaterial
	AccessToken string

	mu    sync.Mutex
	nonce string
}

func NewDpopTransport(base http.RoundTripper, key *KeyMaterial, accessToken, nonce string) *DpopTransport {
	return &DpopTransport{
		Base:        base,
		Key:         key,
		AccessToken: accessToken,
		nonce:       nonce,
	}
}

func (t *DpopTransport) Nonce() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nonce
}

func (t *DpopTransport) setNonce(nonce string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nonce = nonce
}

func (t *DpopTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *DpopTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	for attempt := range 2 {
		r := req.Clone(req.Context())
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r.Body = body
		}

		nonce := t.Nonce()
		proof, err := t.Key.SignProof(r.Method, r.URL.String(), nonce, t.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("error getting dpop proof: %w", err)
		}

		r.Header.Set("Authorization", "DPoP "+t.AccessToken)
		r.Header.Set("DPoP", proof)

		resp, err := t.base().RoundTrip(r)
		if err != nil {
			return nil, err
		}

		newNonce := resp.Header.Get("DPoP-Nonce")
		if newNonce != "" {
			t.setNonce(newNonce)
		}

		if attempt == 0 && replayable && newNonce != "" && newNonce != nonce && isUseDpopNonce(resp) {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("server kept rejecting the dpop nonce")
}

func isUseDpopNonce(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusBadRequest {
		return false
	}
	return strings.Contains(resp.Header.Get("WWW-Authenticate"), "use_dpop_nonce")
}
