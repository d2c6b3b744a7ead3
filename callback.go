package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCallbackAddr binds an ephemeral loopback port, the redirect uri is built from whatever
	// port the OS assigns.
	DefaultCallbackAddr = "127.0.0.1:0"

	DefaultCallbackTimeout = 120 * time.Second
)

const callbackSuccessHTML = `<html><body><h1>Authorization successful!</h1><p>You can close this window and return to your terminal.</p></body></html>`

const callbackErrorHTML = `<html><body><h1>Authorization failed</h1><p>%s</p><p>You can close this window and return to your terminal.</p></body></html>`

type CallbackResult struct {
	Code             string
	State            string
	Iss              string
	Error            string
	ErrorDescription string
}

func (r *CallbackResult) IsError() bool {
	return r.Error != ""
}

// CallbackListener is the short-lived loopback server that receives the authorization redirect.
// It delivers at most one result, and only for a request carrying the expected state.
type CallbackListener struct {
	addr          string
	expectedState string
	logger        *slog.Logger

	srv         *http.Server
	listener    net.Listener
	redirectUri string

	resultCh  chan *CallbackResult
	delivered sync.Once
	closed    sync.Once
	serving   errgroup.Group
}

func NewCallbackListener(addr, expectedState string, logger *slog.Logger) *CallbackListener {
	if addr == "" {
		addr = DefaultCallbackAddr
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &CallbackListener{
		addr:          addr,
		expectedState: expectedState,
		logger:        logger.With("component", "callback"),
		resultCh:      make(chan *CallbackResult, 1),
	}
}

// Start binds the listener and starts serving. The returned redirect uri uses the bound port.
func (l *CallbackListener) Start() (string, error) {
	if l.listener != nil {
		return "", fmt.Errorf("callback listener already started")
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return "", fmt.Errorf("failed to start callback listener on %s: %w", l.addr, err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(l.logger))
	e.GET("/callback", l.handleCallback)

	l.listener = ln
	l.redirectUri = fmt.Sprintf("http://%s/callback", ln.Addr().String())
	l.srv = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.serving.Go(func() error {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	l.logger.Debug("callback listener started", "redirect_uri", l.redirectUri)

	return l.redirectUri, nil
}

func (l *CallbackListener) RedirectUri() string {
	return l.redirectUri
}

func (l *CallbackListener) handleCallback(e echo.Context) error {
	e.Response().Header().Set("Cache-Control", "no-store")
	e.Response().Header().Set("Referrer-Policy", "no-referrer")

	q := e.QueryParams()
	state := q.Get("state")

	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(l.expectedState)) != 1 {
		l.logger.Warn("ignoring callback with unexpected state")
		return e.String(http.StatusBadRequest, "unexpected state")
	}

	result := &CallbackResult{
		Code:             q.Get("code"),
		State:            state,
		Iss:              q.Get("iss"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	if result.Code == "" && !result.IsError() {
		return e.String(http.StatusBadRequest, "missing code")
	}

	var handled bool
	l.delivered.Do(func() {
		handled = true
		// buffered, never blocks
		l.resultCh <- result
	})

	if !handled {
		return e.String(http.StatusBadRequest, "callback already processed")
	}

	if result.IsError() {
		msg := result.Error
		if result.ErrorDescription != "" {
			msg = result.ErrorDescription
		}
		return e.HTML(http.StatusOK, fmt.Sprintf(callbackErrorHTML, html.EscapeString(msg)))
	}

	return e.HTML(http.StatusOK, callbackSuccessHTML)
}

// Wait blocks until a valid callback arrives, the timeout elapses, or ctx is done.
func (l *CallbackListener) Wait(ctx context.Context, timeout time.Duration) (*CallbackResult, error) {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-l.resultCh:
		return result, nil
	case <-timer.C:
		return nil, ErrCallbackTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the server down and waits for the serve goroutine to return. Safe to call more
// than once.
func (l *CallbackListener) Close() error {
	var err error

	l.closed.Do(func() {
		if l.srv == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if serr := l.srv.Shutdown(ctx); serr != nil {
			_ = l.srv.Close()
		}

		err = l.serving.Wait()
		l.logger.Debug("callback listener stopped")
	})

	return err
}
