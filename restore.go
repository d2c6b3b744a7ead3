package oauth

import (
	"context"
	"errors"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/haileyok/skyauth/session"
)

// Restore tries to resume the saved session. It never fails startup: a missing, corrupt or
// rejected session just means the user has to log in again, reported as ok == false.
//
// The saved tokens are presented as bearer tokens. Tokens from an oauth Login are bound to a DPoP
// key that only lives for that login, so those sessions are normally rejected here and need a new
// Login; sessions from LoginAppPassword restore and refresh.
func (a *Authenticator) Restore(ctx context.Context) (*Session, bool) {
	rec, err := a.store.Load()
	if err != nil {
		a.logger.Warn("could not load saved session", "error", err)
		return nil, false
	}

	if rec == nil {
		a.logger.Info("no saved session found")
		return nil, false
	}

	a.logger.Info("found saved session", "handle", rec.Handle)

	ctx, cancel := context.WithTimeout(ctx, a.restoreTimeout)
	defer cancel()

	host := rec.PdsEndpoint
	if host == "" {
		host = a.client.service
	}

	_, err = comatproto.ServerGetSession(ctx, a.bearerClient(host, rec.AccessJwt, rec))
	if err == nil {
		a.logger.Info("session restored", "handle", rec.Handle)
		return sessionFromRecord(rec, host), true
	}

	if rec.RefreshJwt == "" || !isExpiredTokenError(err) {
		a.logger.Warn("failed to restore session", "handle", rec.Handle, "error", err)
		return nil, false
	}

	out, err := comatproto.ServerRefreshSession(ctx, a.bearerClient(host, rec.RefreshJwt, rec))
	if err != nil {
		a.logger.Warn("failed to refresh saved session", "handle", rec.Handle, "error", err)
		return nil, false
	}

	refreshed := &session.Record{
		Did:         rec.Did,
		Handle:      rec.Handle,
		AccessJwt:   out.AccessJwt,
		RefreshJwt:  out.RefreshJwt,
		PdsEndpoint: rec.PdsEndpoint,
	}

	if err := a.store.Save(refreshed); err != nil {
		a.logger.Warn("could not save refreshed session", "error", err)
	}

	a.logger.Info("session restored after refresh", "handle", rec.Handle)

	return sessionFromRecord(refreshed, host), true
}

// bearerClient authorizes every call with token; refreshSession expects the refresh token in the
// same header so both auth fields carry it.
func (a *Authenticator) bearerClient(host, token string, rec *session.Record) *xrpc.Client {
	return &xrpc.Client{
		Client: a.client.h,
		Host:   host,
		Auth: &xrpc.AuthInfo{
			AccessJwt:  token,
			RefreshJwt: token,
			Handle:     rec.Handle,
			Did:        rec.Did,
		},
	}
}

func sessionFromRecord(rec *session.Record, host string) *Session {
	return &Session{
		Did:          rec.Did,
		Handle:       rec.Handle,
		PdsUrl:       host,
		AccessToken:  rec.AccessJwt,
		RefreshToken: rec.RefreshJwt,
		Restored:     true,
	}
}

// only an expired access token is worth refreshing; a revoked or malformed one is not
func isExpiredTokenError(err error) bool {
	var xerr *xrpc.Error
	if !errors.As(err, &xerr) {
		return false
	}

	var xe *xrpc.XRPCError
	if errors.As(xerr.Wrapped, &xe) {
		return xe.ErrStr == "ExpiredToken"
	}

	return false
}
