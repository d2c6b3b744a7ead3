package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/haileyok/skyauth/internal/helpers"
	"github.com/haileyok/skyauth/session"
)

const DefaultRestoreTimeout = 15 * time.Second

// Session is the outcome of a successful login or restore.
type Session struct {
	Did          string
	Handle       string
	PdsUrl       string
	AccessToken  string
	RefreshToken string
	DpopNonce    string
	Restored     bool
}

type BrowserOpener func(url string) error

// Authenticator runs the interactive login and the startup restore. Only one login attempt may
// be in flight per Authenticator.
type Authenticator struct {
	client          *Client
	store           session.Store
	logger          *slog.Logger
	openBrowser     BrowserOpener
	callbackAddr    string
	callbackTimeout time.Duration
	restoreTimeout  time.Duration
	onTransition    TransitionFunc
	onAuthorizeUrl  func(string)

	mu         sync.Mutex
	inProgress bool
}

type AuthenticatorArgs struct {
	Client *Client
	Store  session.Store
	Logger *slog.Logger

	// OpenBrowser defaults to the system browser.
	OpenBrowser     BrowserOpener
	CallbackAddr    string
	CallbackTimeout time.Duration
	RestoreTimeout  time.Duration
	OnTransition    TransitionFunc

	// OnAuthorizeUrl receives the authorization url before the browser is opened, so it can be
	// shown to the user in case the browser doesn't start.
	OnAuthorizeUrl func(string)
}

func NewAuthenticator(args AuthenticatorArgs) (*Authenticator, error) {
	if args.Client == nil {
		return nil, fmt.Errorf("no oauth client provided")
	}

	if args.Store == nil {
		return nil, fmt.Errorf("no session store provided")
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	if args.OpenBrowser == nil {
		args.OpenBrowser = OpenBrowser
	}

	if args.CallbackAddr == "" {
		args.CallbackAddr = DefaultCallbackAddr
	}

	if args.CallbackTimeout <= 0 {
		args.CallbackTimeout = DefaultCallbackTimeout
	}

	if args.RestoreTimeout <= 0 {
		args.RestoreTimeout = DefaultRestoreTimeout
	}

	return &Authenticator{
		client:          args.Client,
		store:           args.Store,
		logger:          args.Logger.With("component", "auth"),
		openBrowser:     args.OpenBrowser,
		callbackAddr:    args.CallbackAddr,
		callbackTimeout: args.CallbackTimeout,
		restoreTimeout:  args.RestoreTimeout,
		onTransition:    args.OnTransition,
		onAuthorizeUrl:  args.OnAuthorizeUrl,
	}, nil
}

func (a *Authenticator) begin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inProgress {
		return false
	}
	a.inProgress = true

	return true
}

func (a *Authenticator) end() {
	a.mu.Lock()
	a.inProgress = false
	a.mu.Unlock()
}

// Login runs discovery, authorization, the loopback callback and the token exchange, then saves
// the session. Key material and the PKCE verifier never leave this call.
func (a *Authenticator) Login(ctx context.Context, identifier string) (*Session, error) {
	if !a.begin() {
		return nil, ErrLoginInProgress
	}
	defer a.end()

	f := newFlow(a.logger.With("identifier", identifier), a.onTransition)
	f.advance(StateDiscovering)

	key, err := GenerateKeyMaterial()
	if err != nil {
		return nil, f.fail(err)
	}

	as, err := a.client.Discover(ctx, identifier)
	if err != nil {
		return nil, f.fail(err)
	}
	f.authServer = as
	f.advance(StateAwaitingAuthorization)

	state := helpers.GenerateState()
	listener := NewCallbackListener(a.callbackAddr, state, a.logger)

	redirectUri, err := listener.Start()
	if err != nil {
		return nil, f.fail(fmt.Errorf("%w: %w", ErrAuthorization, err))
	}
	defer listener.Close()

	fs := a.client.NewFlowState(as, key, state, redirectUri)
	f.flowState = fs

	authUrl, err := a.client.AuthorizeURL(ctx, fs)
	if err != nil {
		return nil, f.fail(err)
	}

	if a.onAuthorizeUrl != nil {
		a.onAuthorizeUrl(authUrl)
	}

	if err := a.openBrowser(authUrl); err != nil {
		a.logger.Warn("could not open browser, the authorization url has to be opened manually", "error", err)
	}

	f.advance(StateAwaitingCallback)

	result, err := listener.Wait(ctx, a.callbackTimeout)
	if err != nil {
		return nil, f.fail(err)
	}

	if err := listener.Close(); err != nil {
		a.logger.Debug("callback listener did not shut down cleanly", "error", err)
	}

	if result.IsError() {
		return nil, f.fail(fmt.Errorf("%w: authorization server returned %s: %s", ErrAuthorization, result.Error, result.ErrorDescription))
	}

	if result.Iss != "" && fs.Issuer != "" && result.Iss != fs.Issuer {
		return nil, f.fail(fmt.Errorf("%w: incoming iss did not match authserver iss", ErrAuthorization))
	}

	f.advance(StateExchanging)

	tokenResp, err := a.client.ExchangeCode(ctx, fs, result.Code)
	if err != nil {
		return nil, f.fail(err)
	}

	did := tokenResp.Sub
	if did == "" {
		did = fs.Did
	}

	if fs.Did != "" && did != fs.Did {
		return nil, f.fail(fmt.Errorf("%w: token was issued for %s, expected %s", ErrTokenExchange, did, fs.Did))
	}

	a.confirmSession(ctx, fs, tokenResp)

	handle := fs.Handle
	if handle == "" {
		handle = identifier
	}

	rec := &session.Record{
		Did:         did,
		Handle:      handle,
		AccessJwt:   tokenResp.AccessToken,
		RefreshJwt:  tokenResp.RefreshToken,
		PdsEndpoint: fs.PdsUrl,
	}

	if err := a.store.Save(rec); err != nil {
		return nil, f.fail(err)
	}

	f.advance(StateAuthenticated)
	a.logger.Info("logged in", "did", did, "handle", handle)

	return &Session{
		Did:          did,
		Handle:       handle,
		PdsUrl:       fs.PdsUrl,
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		DpopNonce:    tokenResp.DpopNonce,
	}, nil
}

// confirmSession makes one DPoP bound call to the pds with the fresh token. Failure is only logged.
func (a *Authenticator) confirmSession(ctx context.Context, fs *FlowState, tokenResp *TokenResponse) {
	if fs.PdsUrl == "" {
		return
	}

	transport := NewDpopTransport(a.client.h.Transport, fs.Key, tokenResp.AccessToken, "")
	xrpcc := &xrpc.Client{
		Client: &http.Client{
			Transport: transport,
			Timeout:   a.client.h.Timeout,
		},
		Host: fs.PdsUrl,
	}

	out, err := comatproto.ServerGetSession(ctx, xrpcc)
	if err != nil {
		a.logger.Warn("could not confirm new session with pds", "pds", fs.PdsUrl, "error", err)
		return
	}

	if fs.Handle == "" && out.Handle != "" {
		fs.Handle = out.Handle
	}
}

// LoginAppPassword creates a password session. Only the tokens the server issues are stored.
func (a *Authenticator) LoginAppPassword(ctx context.Context, identifier, password string) (*Session, error) {
	if !a.begin() {
		return nil, ErrLoginInProgress
	}
	defer a.end()

	xrpcc := &xrpc.Client{
		Client: a.client.h,
		Host:   a.client.service,
	}

	out, err := comatproto.ServerCreateSession(ctx, xrpcc, &comatproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   password,
	})
	if err != nil {
		return nil, fmt.Errorf("app password login failed: %w", err)
	}

	rec := &session.Record{
		Did:        out.Did,
		Handle:     out.Handle,
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
	}

	if err := a.store.Save(rec); err != nil {
		return nil, err
	}

	a.logger.Info("logged in with app password", "did", out.Did, "handle", out.Handle)

	return &Session{
		Did:          out.Did,
		Handle:       out.Handle,
		PdsUrl:       a.client.service,
		AccessToken:  out.AccessJwt,
		RefreshToken: out.RefreshJwt,
	}, nil
}

// LastHandle is the handle of the saved session, if one can be read.
func (a *Authenticator) LastHandle() string {
	return session.LastHandle(a.store)
}

func (a *Authenticator) Logout() error {
	return a.store.Clear()
}
