package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultService      = "https://bsky.social"
	DefaultPlcDirectory = "https://plc.directory"
	DefaultScope        = "atproto transition:generic"

	// LoopbackClientId is the client id atproto authorization servers accept from native apps
	// that have no hosted client metadata document.
	LoopbackClientId = "http://localhost"
)

type Client struct {
	h            *http.Client
	logger       *slog.Logger
	service      string
	plcDirectory string
	clientId     string
	scope        string
}

type ClientArgs struct {
	H      *http.Client
	Logger *slog.Logger

	// Service is the entryway used to resolve handles and create app password sessions.
	Service      string
	PlcDirectory string
	ClientId     string
	Scope        string
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.H == nil {
		args.H = &http.Client{
			Timeout: 10 * time.Second,
		}
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	if args.Service == "" {
		args.Service = DefaultService
	}

	if args.PlcDirectory == "" {
		args.PlcDirectory = DefaultPlcDirectory
	}

	if args.ClientId == "" {
		args.ClientId = LoopbackClientId
	}

	if args.Scope == "" {
		args.Scope = DefaultScope
	}

	if _, err := url.Parse(args.Service); err != nil {
		return nil, fmt.Errorf("invalid service url: %w", err)
	}

	return &Client{
		h:            args.H,
		logger:       args.Logger.With("component", "oauth"),
		service:      strings.TrimSuffix(args.Service, "/"),
		plcDirectory: strings.TrimSuffix(args.PlcDirectory, "/"),
		clientId:     args.ClientId,
		scope:        args.Scope,
	}, nil
}

func (c *Client) Service() string {
	return c.service
}

// ClientIdFor returns the client id to present for the given redirect uri. The bare loopback id
// only implies the default redirect uris and scope, so both are attached as query parameters.
func (c *Client) ClientIdFor(redirectUri string) string {
	if c.clientId != LoopbackClientId {
		return c.clientId
	}

	params := url.Values{
		"redirect_uri": {redirectUri},
		"scope":        {c.scope},
	}

	return c.clientId + "?" + params.Encode()
}

func (c *Client) getJSON(ctx context.Context, ustr string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", ustr, nil)
	if err != nil {
		return fmt.Errorf("error creating request for %s: %w", ustr, err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.h.Do(req)
	if err != nil {
		return fmt.Errorf("could not get response from %s: %w", ustr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("received non-2xx response from %s. code was %d", ustr, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not unmarshal json from %s: %w", ustr, err)
	}

	return nil
}

func isSafeAndParsed(ustr string) (*url.URL, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "https" {
		return nil, fmt.Errorf("input url is not https")
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("url hostname was empty")
	}

	if u.User != nil {
		return nil, fmt.Errorf("url user was not empty")
	}

	return u, nil
}
