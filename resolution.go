package oauth

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/xrpc"
)

type didDocument struct {
	Id          string   `json:"id"`
	AlsoKnownAs []string `json:"alsoKnownAs"`
	Service     []struct {
		Id              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

func (d *didDocument) pds() string {
	for _, svc := range d.Service {
		if svc.Id == "#atproto_pds" || strings.HasSuffix(svc.Id, "#atproto_pds") {
			return svc.ServiceEndpoint
		}
	}
	return ""
}

func (d *didDocument) handle() string {
	for _, aka := range d.AlsoKnownAs {
		if h, ok := strings.CutPrefix(aka, "at://"); ok {
			if _, err := syntax.ParseHandle(h); err == nil {
				return h
			}
		}
	}
	return ""
}

// Discover walks handle -> did -> pds -> authorization server -> metadata. Every failure along
// the way is reported as ErrDiscovery.
func (c *Client) Discover(ctx context.Context, identifier string) (*AuthServer, error) {
	as, err := c.discover(ctx, strings.TrimPrefix(strings.TrimSpace(identifier), "@"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	return as, nil
}

func (c *Client) discover(ctx context.Context, identifier string) (*AuthServer, error) {
	var did, handle string

	if _, err := syntax.ParseDID(identifier); err == nil {
		did = identifier
	} else {
		h, err := syntax.ParseHandle(identifier)
		if err != nil {
			return nil, fmt.Errorf("%q is neither a handle nor a did", identifier)
		}

		handle = h.Normalize().String()

		maybeDid, err := c.ResolveHandle(ctx, handle)
		if err != nil {
			return nil, err
		}
		did = maybeDid
	}

	doc, err := c.ResolveDidDocument(ctx, did)
	if err != nil {
		return nil, err
	}

	if handle == "" {
		handle = doc.handle()
	}

	pdsUrl := doc.pds()
	if pdsUrl == "" {
		return nil, fmt.Errorf("could not find atproto_pds service in identity services")
	}

	authserver, err := c.ResolvePdsAuthServer(ctx, pdsUrl)
	if err != nil {
		return nil, err
	}

	meta, err := c.FetchAuthServerMetadata(ctx, authserver)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("discovered authorization server", "did", did, "pds", pdsUrl, "issuer", meta.Issuer, "par", meta.PushedAuthorizationRequestEndpoint != "")

	return &AuthServer{
		Did:                   did,
		Handle:                handle,
		PdsUrl:                pdsUrl,
		Issuer:                meta.Issuer,
		AuthorizationEndpoint: meta.AuthorizationEndpoint,
		TokenEndpoint:         meta.TokenEndpoint,
		ParEndpoint:           meta.PushedAuthorizationRequestEndpoint,
	}, nil
}

// ResolveHandle asks the configured service for the did behind a handle.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	xrpcc := &xrpc.Client{
		Client: c.h,
		Host:   c.service,
	}

	out, err := comatproto.IdentityResolveHandle(ctx, xrpcc, handle)
	if err != nil {
		return "", fmt.Errorf("could not resolve handle %s: %w", handle, err)
	}

	if _, err := syntax.ParseDID(out.Did); err != nil {
		return "", fmt.Errorf("handle resolved to an invalid did: %w", err)
	}

	return out.Did, nil
}

func (c *Client) ResolveDidDocument(ctx context.Context, did string) (*didDocument, error) {
	var ustr string
	if strings.HasPrefix(did, "did:plc:") {
		ustr = c.plcDirectory + "/" + did
	} else if host, ok := strings.CutPrefix(did, "did:web:"); ok {
		decoded, err := url.PathUnescape(host)
		if err != nil {
			return nil, fmt.Errorf("invalid did:web host: %w", err)
		}
		ustr = fmt.Sprintf("https://%s/.well-known/did.json", decoded)
	} else {
		return nil, fmt.Errorf("did was not a supported did type")
	}

	var doc didDocument
	if err := c.getJSON(ctx, ustr, &doc); err != nil {
		return nil, fmt.Errorf("could not find identity: %w", err)
	}

	if doc.Id != "" && doc.Id != did {
		return nil, fmt.Errorf("did document id %s does not match %s", doc.Id, did)
	}

	return &doc, nil
}

func (c *Client) ResolvePdsAuthServer(ctx context.Context, ustr string) (string, error) {
	u, err := isSafeAndParsed(ustr)
	if err != nil {
		return "", err
	}

	u.Path = "/.well-known/oauth-protected-resource"
	u.RawQuery = ""

	var resource OauthProtectedResource
	if err := c.getJSON(ctx, u.String(), &resource); err != nil {
		return "", err
	}

	if len(resource.AuthorizationServers) == 0 {
		return "", fmt.Errorf("oauth protected resource contained no authorization servers")
	}

	return resource.AuthorizationServers[0], nil
}

func (c *Client) FetchAuthServerMetadata(ctx context.Context, ustr string) (*OauthAuthorizationMetadata, error) {
	u, err := isSafeAndParsed(ustr)
	if err != nil {
		return nil, err
	}

	u.Path = "/.well-known/oauth-authorization-server"
	u.RawQuery = ""

	var metadata OauthAuthorizationMetadata
	if err := c.getJSON(ctx, u.String(), &metadata); err != nil {
		return nil, err
	}

	if err := metadata.Validate(u); err != nil {
		return nil, fmt.Errorf("could not validate metadata: %w", err)
	}

	return &metadata, nil
}
