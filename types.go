package oauth

import (
	"fmt"
	"net/url"
)

type OauthProtectedResource struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceDocumentation  string   `json:"resource_documentation"`
}

type OauthAuthorizationMetadata struct {
	Issuer                                     string   `json:"issuer"`
	ScopesSupported                            []string `json:"scopes_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	AuthorizationResponseISSParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpoint                         string   `json:"revocation_endpoint"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests         bool     `json:"require_pushed_authorization_requests"`
	DpopSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported"`
	ClientIDMetadataDocumentSupported          bool     `json:"client_id_metadata_document_supported"`
}

// Validate checks the fields a loopback public client depends on. Optional capability lists are
// only checked when the server publishes them.
func (oam *OauthAuthorizationMetadata) Validate(fetchUrl *url.URL) error {
	if fetchUrl == nil {
		return fmt.Errorf("fetch url was nil")
	}

	if oam.Issuer != "" {
		iu, err := url.Parse(oam.Issuer)
		if err != nil {
			return err
		}

		if iu.Hostname() != fetchUrl.Hostname() {
			return fmt.Errorf("issuer hostname does not match fetch url hostname")
		}

		if iu.Scheme != "https" {
			return fmt.Errorf("issuer url is not https")
		}
	}

	if oam.AuthorizationEndpoint == "" {
		return fmt.Errorf("authorization_endpoint is empty")
	}

	if _, err := isSafeAndParsed(oam.AuthorizationEndpoint); err != nil {
		return fmt.Errorf("authorization_endpoint is invalid: %w", err)
	}

	if oam.TokenEndpoint == "" {
		return fmt.Errorf("token_endpoint is empty")
	}

	if _, err := isSafeAndParsed(oam.TokenEndpoint); err != nil {
		return fmt.Errorf("token_endpoint is invalid: %w", err)
	}

	if oam.PushedAuthorizationRequestEndpoint != "" {
		if _, err := isSafeAndParsed(oam.PushedAuthorizationRequestEndpoint); err != nil {
			return fmt.Errorf("pushed_authorization_request_endpoint is invalid: %w", err)
		}
	}

	if len(oam.ResponseTypesSupported) > 0 && !tokenInSet("code", oam.ResponseTypesSupported) {
		return fmt.Errorf("`code` is not in response_types_supported")
	}

	if len(oam.GrantTypesSupported) > 0 && !tokenInSet("authorization_code", oam.GrantTypesSupported) {
		return fmt.Errorf("`authorization_code` is not in grant_types_supported")
	}

	if len(oam.CodeChallengeMethodsSupported) > 0 && !tokenInSet("S256", oam.CodeChallengeMethodsSupported) {
		return fmt.Errorf("`S256` is not in code_challenge_methods_supported")
	}

	if len(oam.DpopSigningAlgValuesSupported) > 0 && !tokenInSet("ES256", oam.DpopSigningAlgValuesSupported) {
		return fmt.Errorf("`ES256` is not in dpop_signing_alg_values_supported")
	}

	if oam.RequirePushedAuthorizationRequests && oam.PushedAuthorizationRequestEndpoint == "" {
		return fmt.Errorf("pushed authorization requests are required but no endpoint was published")
	}

	return nil
}

// AuthServer is everything discovery learns about where and how a user logs in.
type AuthServer struct {
	Did                   string
	Handle                string
	PdsUrl                string
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	ParEndpoint           string
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
	Sub          string `json:"sub"`
	DpopNonce    string `json:"dpop_nonce"`
}

type SendParAuthResponse struct {
	RequestUri string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e oauthErrorResponse) String() string {
	if e.ErrorDescription != "" {
		return fmt.Sprintf("%s: %s", e.Error, e.ErrorDescription)
	}
	return e.Error
}

func tokenInSet(tok string, set []string) bool {
	for _, s := range set {
		if s == tok {
			return true
		}
	}
	return false
}
