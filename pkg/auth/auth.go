// Package auth implements the Authenticator (inbound validator) and
// Credential (outbound signer) tagged-variant sets from §4.L. The same
// interface serves HTTP and CoAP: the CoAP binding server reads the
// authorization value from an "auth" query parameter instead of a header,
// so AuthRequest abstracts the difference behind named fields instead of
// literal HTTP headers.
package auth

import (
	"context"

	"github.com/wostzone/wotgo/pkg/werrors"
)

// AuthRequest is the binding-neutral view of an inbound/outbound request's
// auth-carrying fields. HTTP implementations back Get/Set with headers; the
// CoAP server backs them with a field map filled from the "auth" query
// parameter.
type AuthRequest interface {
	Get(field string) string
	Set(field, value string)
}

const (
	FieldAuthorization = "Authorization"
	FieldWWWAuthenticate = "WWW-Authenticate"
)

// Authenticator validates inbound requests for one security scheme variant.
type Authenticator interface {
	Scheme() string
	Authenticate(ctx context.Context, req AuthRequest) (bool, error)
	// Challenge sets the scheme-appropriate rejection header/option on req
	// when Authenticate returns false, so the binding can build a 401 or
	// its CoAP/MQTT equivalent.
	Challenge(req AuthRequest)
}

// Credential signs outbound requests for one security scheme variant.
type Credential interface {
	Scheme() string
	Sign(ctx context.Context, req AuthRequest) error
}

// NewAuthenticator dispatches on scheme exactly like SecuritySchemeFromMap:
// unknown schemes fail closed with NotSupported rather than defaulting to
// permissive behavior.
func NewAuthenticator(scheme string, cfg map[string]interface{}) (Authenticator, error) {
	switch scheme {
	case "nosec", "":
		return NoSecAuthenticator{}, nil
	case "basic":
		return newBasicAuthenticator(cfg), nil
	case "bearer":
		return newBearerAuthenticator(cfg), nil
	case "oauth2":
		return newOAuth2Authenticator(cfg), nil
	case "oidc4vp":
		return newOIDC4VPAuthenticator(cfg), nil
	default:
		return nil, werrors.New(werrors.KindNotSupported, "authenticator for scheme %q not implemented", scheme)
	}
}

func NewCredential(scheme string, cfg map[string]interface{}) (Credential, error) {
	switch scheme {
	case "nosec", "":
		return NoSecCredential{}, nil
	case "basic":
		return newBasicCredential(cfg), nil
	case "bearer":
		return newBearerCredential(cfg), nil
	case "oauth2":
		return newOAuth2Credential(cfg), nil
	case "oidc4vp":
		return newOIDC4VPCredential(cfg), nil
	default:
		return nil, werrors.New(werrors.KindNotSupported, "credential for scheme %q not implemented", scheme)
	}
}
