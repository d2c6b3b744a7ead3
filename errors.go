package oauth

import "errors"

var (
	// ErrKeyGeneration is returned when a DPoP key could not be created.
	ErrKeyGeneration = errors.New("could not generate dpop key")

	// ErrDiscovery covers every failure while resolving a handle to its authorization server.
	ErrDiscovery = errors.New("could not discover authorization server")

	// ErrAuthorization is returned when the PAR request is rejected, its response is malformed,
	// or the authorization server redirects back with an error.
	ErrAuthorization = errors.New("authorization request failed")

	// ErrCallbackTimeout is returned when no valid redirect reaches the loopback listener in time.
	ErrCallbackTimeout = errors.New("timed out waiting for oauth callback")

	// ErrTokenExchange is returned when the token endpoint rejects the code or omits the access token.
	ErrTokenExchange = errors.New("token exchange failed")

	ErrLoginInProgress = errors.New("a login attempt is already in progress")
)
