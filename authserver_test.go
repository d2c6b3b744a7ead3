package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

var ctx = context.Background()

const (
	testDid    = "did:plc:xyz"
	testHandle = "alice.test"
)

// testAuthServer plays handle resolution, the plc directory, the pds and its authorization server
// from a single tls server.
type testAuthServer struct {
	srv *httptest.Server

	// when set, par and token requests without this dpop nonce get a use_dpop_nonce challenge
	nonce string
	par   bool

	tokenStatus  int
	accessToken  string
	refreshToken string
	sub          string

	// getSession answers 401 ExpiredToken for these tokens
	expired map[string]bool

	mu          sync.Mutex
	parParams   url.Values
	tokenParams url.Values
	tokenCalls  int
	proofs      []jwt.MapClaims
	authHeaders []string
}

func newTestAuthServer(t *testing.T) *testAuthServer {
	t.Helper()

	as := &testAuthServer{
		par:          true,
		tokenStatus:  http.StatusOK,
		accessToken:  "abc123",
		refreshToken: "refresh123",
		sub:          testDid,
		expired:      map[string]bool{},
	}

	as.srv = httptest.NewTLSServer(http.HandlerFunc(as.serve))
	t.Cleanup(as.srv.Close)

	return as
}

func (as *testAuthServer) client(t *testing.T) *Client {
	t.Helper()

	c, err := NewClient(ClientArgs{
		H:            as.srv.Client(),
		Service:      as.srv.URL,
		PlcDirectory: as.srv.URL,
	})
	if err != nil {
		t.Fatal(err)
	}

	return c
}

func (as *testAuthServer) authServer() *AuthServer {
	a := &AuthServer{
		Did:                   testDid,
		Handle:                testHandle,
		PdsUrl:                as.srv.URL,
		Issuer:                as.srv.URL,
		AuthorizationEndpoint: as.srv.URL + "/oauth/authorize",
		TokenEndpoint:         as.srv.URL + "/oauth/token",
	}
	if as.par {
		a.ParEndpoint = as.srv.URL + "/oauth/par"
	}
	return a
}

func (as *testAuthServer) tokenCallCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.tokenCalls
}

func (as *testAuthServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// checkProof records the proof and answers the nonce challenge. It reports whether the caller
// should go on handling the request.
func (as *testAuthServer) checkProof(w http.ResponseWriter, r *http.Request) bool {
	claims := jwt.MapClaims{}
	if proof := r.Header.Get("DPoP"); proof != "" {
		if _, _, err := jwt.NewParser().ParseUnverified(proof, claims); err != nil {
			as.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_dpop_proof"})
			return false
		}
	}

	as.mu.Lock()
	as.proofs = append(as.proofs, claims)
	as.mu.Unlock()

	if as.nonce != "" && claims["nonce"] != as.nonce {
		w.Header().Set("DPoP-Nonce", as.nonce)
		as.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "use_dpop_nonce"})
		return false
	}

	return true
}

func (as *testAuthServer) serve(w http.ResponseWriter, r *http.Request) {
	base := as.srv.URL

	switch r.URL.Path {
	case "/xrpc/com.atproto.identity.resolveHandle":
		if r.URL.Query().Get("handle") != testHandle {
			as.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "Unable to resolve handle"})
			return
		}
		as.writeJSON(w, http.StatusOK, map[string]string{"did": testDid})

	case "/" + testDid:
		as.writeJSON(w, http.StatusOK, map[string]any{
			"id":          testDid,
			"alsoKnownAs": []string{"at://" + testHandle},
			"service": []map[string]string{{
				"id":              "#atproto_pds",
				"type":            "AtprotoPersonalDataServer",
				"serviceEndpoint": base,
			}},
		})

	case "/.well-known/oauth-protected-resource":
		as.writeJSON(w, http.StatusOK, map[string]any{
			"resource":              base,
			"authorization_servers": []string{base},
		})

	case "/.well-known/oauth-authorization-server":
		meta := map[string]any{
			"issuer":                            base,
			"authorization_endpoint":            base + "/oauth/authorize",
			"token_endpoint":                    base + "/oauth/token",
			"response_types_supported":          []string{"code"},
			"grant_types_supported":             []string{"authorization_code", "refresh_token"},
			"code_challenge_methods_supported":  []string{"S256"},
			"dpop_signing_alg_values_supported": []string{"ES256"},
		}
		if as.par {
			meta["pushed_authorization_request_endpoint"] = base + "/oauth/par"
		}
		as.writeJSON(w, http.StatusOK, meta)

	case "/oauth/par":
		if !as.checkProof(w, r) {
			return
		}
		r.ParseForm()
		as.mu.Lock()
		as.parParams = r.PostForm
		as.mu.Unlock()
		as.writeJSON(w, http.StatusCreated, map[string]any{
			"request_uri": "urn:ietf:params:oauth:request_uri:req-1",
			"expires_in":  299,
		})

	case "/oauth/token":
		if !as.checkProof(w, r) {
			return
		}
		r.ParseForm()
		as.mu.Lock()
		as.tokenParams = r.PostForm
		as.tokenCalls++
		as.mu.Unlock()
		if as.tokenStatus != http.StatusOK {
			as.writeJSON(w, as.tokenStatus, map[string]string{"error": "invalid_grant", "error_description": "code expired"})
			return
		}
		resp := map[string]any{
			"access_token": as.accessToken,
			"token_type":   "DPoP",
			"scope":        DefaultScope,
			"sub":          as.sub,
			"expires_in":   3600,
		}
		if as.refreshToken != "" {
			resp["refresh_token"] = as.refreshToken
		}
		as.writeJSON(w, http.StatusOK, resp)

	case "/xrpc/com.atproto.server.getSession":
		authz := r.Header.Get("Authorization")
		as.mu.Lock()
		as.authHeaders = append(as.authHeaders, authz)
		as.mu.Unlock()
		token := authz[strings.Index(authz, " ")+1:]
		if as.expired[token] {
			as.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "ExpiredToken", "message": "Token has expired"})
			return
		}
		if token != as.accessToken {
			as.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "InvalidToken", "message": "Token could not be verified"})
			return
		}
		as.writeJSON(w, http.StatusOK, map[string]any{"did": testDid, "handle": testHandle})

	case "/xrpc/com.atproto.server.refreshSession":
		if r.Header.Get("Authorization") != "Bearer "+as.refreshToken {
			as.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ExpiredToken", "message": "Token has been revoked"})
			return
		}
		as.writeJSON(w, http.StatusOK, map[string]any{
			"did":        testDid,
			"handle":     testHandle,
			"accessJwt":  "access-refreshed",
			"refreshJwt": "refresh-refreshed",
		})

	case "/xrpc/com.atproto.server.createSession":
		var in struct {
			Identifier string `json:"identifier"`
			Password   string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		if in.Password != "app-pass-1234" {
			as.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "AuthenticationRequired", "message": "Invalid identifier or password"})
			return
		}
		as.writeJSON(w, http.StatusOK, map[string]any{
			"did":        testDid,
			"handle":     testHandle,
			"accessJwt":  "access-pw",
			"refreshJwt": "refresh-pw",
		})

	default:
		http.NotFound(w, r)
	}
}
