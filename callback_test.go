package oauth

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T, state string) (*CallbackListener, string) {
	t.Helper()

	l := NewCallbackListener("127.0.0.1:0", state, nil)
	redirectUri, err := l.Start()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return l, redirectUri
}

func hitCallback(t *testing.T, redirectUri string, params url.Values) (int, string) {
	t.Helper()

	resp, err := http.Get(redirectUri + "?" + params.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(b)
}

func TestCallbackRedirectUri(t *testing.T) {
	assert := assert.New(t)

	l, redirectUri := startListener(t, "s1")

	u, err := url.Parse(redirectUri)
	require.NoError(t, err)

	assert.Equal("http", u.Scheme)
	assert.Equal("127.0.0.1", u.Hostname())
	assert.NotEqual("0", u.Port())
	assert.Equal("/callback", u.Path)
	assert.Equal(redirectUri, l.RedirectUri())

	_, err = l.Start()
	assert.Error(err)
}

func TestCallbackDeliversOnce(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	l, redirectUri := startListener(t, "s1")

	status, body := hitCallback(t, redirectUri, url.Values{"code": {"c1"}, "state": {"s1"}, "iss": {"https://auth.example.com"}})
	assert.Equal(http.StatusOK, status)
	assert.Contains(body, "Authorization successful!")

	// a second valid looking request must not replace the first result
	status, _ = hitCallback(t, redirectUri, url.Values{"code": {"c2"}, "state": {"s1"}})
	assert.Equal(http.StatusBadRequest, status)

	result, err := l.Wait(ctx, time.Second)
	require.NoError(err)
	assert.Equal("c1", result.Code)
	assert.Equal("s1", result.State)
	assert.Equal("https://auth.example.com", result.Iss)
	assert.False(result.IsError())

	_, err = l.Wait(ctx, 50*time.Millisecond)
	assert.ErrorIs(err, ErrCallbackTimeout)
}

func TestCallbackWrongState(t *testing.T) {
	assert := assert.New(t)

	l, redirectUri := startListener(t, "s1")

	status, _ := hitCallback(t, redirectUri, url.Values{"code": {"c1"}, "state": {"s2"}})
	assert.Equal(http.StatusBadRequest, status)

	status, _ = hitCallback(t, redirectUri, url.Values{"code": {"c1"}})
	assert.Equal(http.StatusBadRequest, status)

	_, err := l.Wait(ctx, 100*time.Millisecond)
	assert.ErrorIs(err, ErrCallbackTimeout)
}

func TestCallbackMissingCode(t *testing.T) {
	l, redirectUri := startListener(t, "s1")

	status, _ := hitCallback(t, redirectUri, url.Values{"state": {"s1"}})
	assert.Equal(t, http.StatusBadRequest, status)

	// the listener is still armed for the real redirect
	status, _ = hitCallback(t, redirectUri, url.Values{"code": {"c1"}, "state": {"s1"}})
	assert.Equal(t, http.StatusOK, status)

	result, err := l.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "c1", result.Code)
}

func TestCallbackError(t *testing.T) {
	assert := assert.New(t)

	l, redirectUri := startListener(t, "s1")

	status, body := hitCallback(t, redirectUri, url.Values{
		"error":             {"access_denied"},
		"error_description": {"<b>user said no</b>"},
		"state":             {"s1"},
	})
	assert.Equal(http.StatusOK, status)
	assert.Contains(body, "Authorization failed")
	assert.Contains(body, "&lt;b&gt;user said no&lt;/b&gt;")

	result, err := l.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.True(result.IsError())
	assert.Equal("access_denied", result.Error)
}

func TestCallbackCanceled(t *testing.T) {
	l, _ := startListener(t, "s1")

	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := l.Wait(cctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallbackCloseReleasesPort(t *testing.T) {
	assert := assert.New(t)

	l := NewCallbackListener("127.0.0.1:0", "s1", nil)
	redirectUri, err := l.Start()
	require.NoError(t, err)

	host := strings.TrimSuffix(strings.TrimPrefix(redirectUri, "http://"), "/callback")

	assert.NoError(l.Close())
	assert.NoError(l.Close())

	ln, err := net.Listen("tcp", host)
	require.NoError(t, err)
	ln.Close()
}
