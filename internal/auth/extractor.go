package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
)

// ErrMissingToken indicates a request arrived without one of the load
// balancer authentication headers.
var ErrMissingToken = errors.New("authentication token header is missing")

// Headers the load balancer injects into proxied requests after
// authenticating the client.
const (
	// HeaderIdentityToken carries the signed identity token.
	HeaderIdentityToken = "x-amzn-oidc-data"

	// HeaderAccessToken carries the provider access token.
	HeaderAccessToken = "x-amzn-oidc-accesstoken"

	// HeaderIdentitySubject carries the bare subject of the user. It is
	// unsigned and only informational.
	HeaderIdentitySubject = "x-amzn-oidc-identity"
)

// RawTokens holds the unverified token strings extracted from a
// request.
type RawTokens struct {
	// IdentityToken is the signed identity token, or "" when the header
	// is absent.
	IdentityToken string

	// AccessToken is the provider access token, or "" when the header
	// is absent.
	AccessToken string
}

// HasIdentityToken reports whether an identity token was present.
func (r RawTokens) HasIdentityToken() bool {
	return r.IdentityToken != ""
}

// HasAccessToken reports whether an access token was present.
func (r RawTokens) HasAccessToken() bool {
	return r.AccessToken != ""
}

// Empty reports whether the request carried no tokens at all.
func (r RawTokens) Empty() bool {
	return r.IdentityToken == "" && r.AccessToken == ""
}

// ExtractTokens reads the load balancer token headers from an HTTP
// header set. Header name matching is case-insensitive.
func ExtractTokens(h http.Header) RawTokens {
	return RawTokens{
		IdentityToken: strings.TrimSpace(h.Get(HeaderIdentityToken)),
		AccessToken:   strings.TrimSpace(h.Get(HeaderAccessToken)),
	}
}

// ExtractTokensFromRequest reads the load balancer token headers from
// an HTTP request.
func ExtractTokensFromRequest(r *http.Request) RawTokens {
	return ExtractTokens(r.Header)
}

// ExtractTokensFromGRPC reads the load balancer token headers from
// incoming gRPC metadata. Metadata keys are lowercase by convention,
// which matches the header names as the load balancer sends them.
func ExtractTokensFromGRPC(ctx context.Context) RawTokens {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return RawTokens{}
	}
	return RawTokens{
		IdentityToken: strings.TrimSpace(firstValue(md, HeaderIdentityToken)),
		AccessToken:   strings.TrimSpace(firstValue(md, HeaderAccessToken)),
	}
}

func firstValue(md metadata.MD, key string) string {
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
