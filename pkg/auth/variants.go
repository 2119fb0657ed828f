package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
)

// NoSecAuthenticator always accepts, matching wotpy's nosec scheme.
type NoSecAuthenticator struct{}

func (NoSecAuthenticator) Scheme() string { return "nosec" }
func (NoSecAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (bool, error) {
	return true, nil
}
func (NoSecAuthenticator) Challenge(req AuthRequest) {}

// NoSecCredential signs nothing.
type NoSecCredential struct{}

func (NoSecCredential) Scheme() string { return "nosec" }
func (NoSecCredential) Sign(ctx context.Context, req AuthRequest) error { return nil }

// --- basic ---

type basicAuthenticator struct {
	username, password string
}

func newBasicAuthenticator(cfg map[string]interface{}) *basicAuthenticator {
	u, _ := cfg["username"].(string)
	p, _ := cfg["password"].(string)
	return &basicAuthenticator{username: u, password: p}
}

func (a *basicAuthenticator) Scheme() string { return "basic" }

func (a *basicAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (bool, error) {
	hdr := req.Get(FieldAuthorization)
	if !strings.HasPrefix(hdr, "Basic ") {
		return false, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(hdr, "Basic "))
	if err != nil {
		return false, nil
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return false, nil
	}
	userOK := subtle.ConstantTimeCompare([]byte(parts[0]), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(parts[1]), []byte(a.password)) == 1
	return userOK && passOK, nil
}

func (a *basicAuthenticator) Challenge(req AuthRequest) {
	req.Set(FieldWWWAuthenticate, `Basic realm="wotgo"`)
}

type basicCredential struct {
	username, password string
}

func newBasicCredential(cfg map[string]interface{}) *basicCredential {
	u, _ := cfg["username"].(string)
	p, _ := cfg["password"].(string)
	return &basicCredential{username: u, password: p}
}

func (c *basicCredential) Scheme() string { return "basic" }

func (c *basicCredential) Sign(ctx context.Context, req AuthRequest) error {
	token := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
	req.Set(FieldAuthorization, "Basic "+token)
	return nil
}

// --- bearer ---
//
// Modeled on the teacher's JWTAuthenticator: an in-memory signing secret
// (random if not given, invalidating tokens on restart) and HS256 claims.

type bearerClaims struct {
	jwt.RegisteredClaims
}

type bearerAuthenticator struct {
	token string // static expected token, when configured without a signing key
	key   []byte
}

func newBearerAuthenticator(cfg map[string]interface{}) *bearerAuthenticator {
	tok, _ := cfg["token"].(string)
	key, _ := cfg["key"].([]byte)
	if key == nil && tok == "" {
		key = make([]byte, 64)
		rand.Read(key)
	}
	return &bearerAuthenticator{token: tok, key: key}
}

func (a *bearerAuthenticator) Scheme() string { return "bearer" }

func (a *bearerAuthenticator) bearerToken(req AuthRequest) (string, bool) {
	hdr := req.Get(FieldAuthorization)
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func (a *bearerAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (bool, error) {
	tokenString, ok := a.bearerToken(req)
	if !ok {
		return false, nil
	}
	if a.token != "" {
		return subtle.ConstantTimeCompare([]byte(tokenString), []byte(a.token)) == 1, nil
	}
	claims := &bearerClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.key, nil
	})
	if err != nil || parsed == nil || !parsed.Valid {
		logrus.Debugf("bearerAuthenticator: invalid token: %v", err)
		return false, nil
	}
	return true, nil
}

func (a *bearerAuthenticator) Challenge(req AuthRequest) {
	req.Set(FieldWWWAuthenticate, "Bearer")
}

type bearerCredential struct {
	token string
	key   []byte
	ttl   time.Duration
}

func newBearerCredential(cfg map[string]interface{}) *bearerCredential {
	tok, _ := cfg["token"].(string)
	key, _ := cfg["key"].([]byte)
	ttl := 15 * time.Minute
	return &bearerCredential{token: tok, key: key, ttl: ttl}
}

func (c *bearerCredential) Scheme() string { return "bearer" }

func (c *bearerCredential) Sign(ctx context.Context, req AuthRequest) error {
	token := c.token
	if token == "" && c.key != nil {
		claims := &bearerClaims{RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(c.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		}}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
		if err != nil {
			return err
		}
		token = signed
	}
	req.Set(FieldAuthorization, "Bearer "+token)
	return nil
}

// --- oauth2 ---
//
// Client-credentials style: a credential fetches a token once from the
// configured endpoint, reuses it for five minutes and then fetches a new
// one; the authenticator
// introspects. Neither performs real OAuth2 cryptography — per §1 Non-goals
// "concrete OAuth2/OIDC4VP token-acquisition flows" are hook points only.

type oauth2Authenticator struct {
	introspectionURL string
	introspect       func(ctx context.Context, token, url string) (bool, error)
}

func newOAuth2Authenticator(cfg map[string]interface{}) *oauth2Authenticator {
	url, _ := cfg["introspection"].(string)
	fn, _ := cfg["introspect"].(func(context.Context, string, string) (bool, error))
	return &oauth2Authenticator{introspectionURL: url, introspect: fn}
}

func (a *oauth2Authenticator) Scheme() string { return "oauth2" }

func (a *oauth2Authenticator) Authenticate(ctx context.Context, req AuthRequest) (bool, error) {
	hdr := req.Get(FieldAuthorization)
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return false, nil
	}
	if a.introspect == nil {
		return false, fmt.Errorf("oauth2Authenticator: no introspection hook configured")
	}
	return a.introspect(ctx, parts[1], a.introspectionURL)
}

func (a *oauth2Authenticator) Challenge(req AuthRequest) {
	req.Set(FieldWWWAuthenticate, "Bearer")
}

type oauth2Credential struct {
	tokenURL  string
	fetch     func(ctx context.Context, url string) (string, error)
	cached    string
	cachedExp time.Time
}

func newOAuth2Credential(cfg map[string]interface{}) *oauth2Credential {
	url, _ := cfg["tokenURL"].(string)
	fn, _ := cfg["fetch"].(func(context.Context, string) (string, error))
	return &oauth2Credential{tokenURL: url, fetch: fn}
}

func (c *oauth2Credential) Scheme() string { return "oauth2" }

func (c *oauth2Credential) Sign(ctx context.Context, req AuthRequest) error {
	if c.cached == "" || time.Now().After(c.cachedExp) {
		if c.fetch == nil {
			return fmt.Errorf("oauth2Credential: no token-fetch hook configured")
		}
		tok, err := c.fetch(ctx, c.tokenURL)
		if err != nil {
			return err
		}
		c.cached = tok
		c.cachedExp = time.Now().Add(5 * time.Minute)
	}
	req.Set(FieldAuthorization, "Bearer "+c.cached)
	return nil
}

// --- oidc4vp ---
//
// Delegates validation to a separate verifier hook (the verifiable
// presentation exchange itself is out of scope).

type oidc4vpAuthenticator struct {
	verify func(ctx context.Context, token string) (bool, error)
}

func newOIDC4VPAuthenticator(cfg map[string]interface{}) *oidc4vpAuthenticator {
	fn, _ := cfg["verify"].(func(context.Context, string) (bool, error))
	return &oidc4vpAuthenticator{verify: fn}
}

func (a *oidc4vpAuthenticator) Scheme() string { return "oidc4vp" }

func (a *oidc4vpAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (bool, error) {
	token := req.Get("X-Auth-Token")
	if token == "" {
		return false, nil
	}
	if a.verify == nil {
		return false, fmt.Errorf("oidc4vpAuthenticator: no verifier hook configured")
	}
	return a.verify(ctx, token)
}

func (a *oidc4vpAuthenticator) Challenge(req AuthRequest) {
	req.Set(FieldWWWAuthenticate, "VP")
}

type oidc4vpCredential struct {
	device, method, resource, requester string
	request                             func(ctx context.Context, device, method, resource, requester string) (string, error)
}

func newOIDC4VPCredential(cfg map[string]interface{}) *oidc4vpCredential {
	get := func(k string) string { s, _ := cfg[k].(string); return s }
	fn, _ := cfg["request"].(func(context.Context, string, string, string, string) (string, error))
	return &oidc4vpCredential{
		device: get("device"), method: get("method"),
		resource: get("resource"), requester: get("requester"), request: fn,
	}
}

func (c *oidc4vpCredential) Scheme() string { return "oidc4vp" }

func (c *oidc4vpCredential) Sign(ctx context.Context, req AuthRequest) error {
	if c.request == nil {
		return fmt.Errorf("oidc4vpCredential: no request hook configured")
	}
	token, err := c.request(ctx, c.device, c.method, c.resource, c.requester)
	if err != nil {
		return err
	}
	req.Set("X-Auth-Token", token)
	return nil
}
