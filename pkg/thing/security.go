package thing

import "github.com/wostzone/wotgo/pkg/werrors"

// SecurityScheme is the tagged-variant interface every securityDefinitions
// entry implements. Dispatch on Scheme() rather than a type switch lets
// callers (authenticators, credentials) stay generic over the scheme set.
type SecurityScheme interface {
	Scheme() string
	ToMap() map[string]interface{}
}

type baseScheme struct {
	scheme      string
	description string
	extra       map[string]interface{}
}

func (b baseScheme) Scheme() string { return b.scheme }

func (b baseScheme) baseMap() map[string]interface{} {
	m := map[string]interface{}{"scheme": b.scheme}
	for k, v := range b.extra {
		m[k] = v
	}
	if b.description != "" {
		m["description"] = b.description
	}
	return m
}

// NoSecurityScheme ("nosec") — no credentials required.
type NoSecurityScheme struct{ baseScheme }

func (s NoSecurityScheme) ToMap() map[string]interface{} { return s.baseMap() }

// AutoSecurityScheme ("auto") — scheme negotiated out of band; carried
// through unexamined, wotpy's "combo-less default" placeholder.
type AutoSecurityScheme struct{ baseScheme }

func (s AutoSecurityScheme) ToMap() map[string]interface{} { return s.baseMap() }

// ComboSecurityScheme ("combo") — either all-of or one-of a named list of
// other scheme names.
type ComboSecurityScheme struct {
	baseScheme
	OneOf []string
	AllOf []string
}

func (s ComboSecurityScheme) ToMap() map[string]interface{} {
	m := s.baseMap()
	if len(s.OneOf) > 0 {
		m["oneOf"] = toInterfaceSlice(s.OneOf)
	}
	if len(s.AllOf) > 0 {
		m["allOf"] = toInterfaceSlice(s.AllOf)
	}
	return m
}

// BasicSecurityScheme ("basic") — HTTP basic-style credentials carried in a
// header, query or cookie named by In/Name.
type BasicSecurityScheme struct {
	baseScheme
	In   string
	Name string
}

func (s BasicSecurityScheme) ToMap() map[string]interface{} {
	m := s.baseMap()
	if s.In != "" {
		m["in"] = s.In
	}
	if s.Name != "" {
		m["name"] = s.Name
	}
	return m
}

// DigestSecurityScheme ("digest") — HTTP digest auth.
type DigestSecurityScheme struct {
	baseScheme
	Qop string
	In  string
}

func (s DigestSecurityScheme) ToMap() map[string]interface{} {
	m := s.baseMap()
	if s.Qop != "" {
		m["qop"] = s.Qop
	}
	if s.In != "" {
		m["in"] = s.In
	}
	return m
}

// APIKeySecurityScheme ("apikey") — a static key in header/query/cookie.
type APIKeySecurityScheme struct {
	baseScheme
	In   string
	Name string
}

func (s APIKeySecurityScheme) ToMap() map[string]interface{} {
	m := s.baseMap()
	if s.In != "" {
		m["in"] = s.In
	}
	if s.Name != "" {
		m["name"] = s.Name
	}
	return m
}

// BearerSecurityScheme ("bearer") — token in Authorization header by
// default, signing alg and token format named explicitly.
type BearerSecurityScheme struct {
	baseScheme
	Authorization string
	Alg           string
	Format        string
	Name          string
	In            string
}

func (s BearerSecurityScheme) ToMap() map[string]interface{} {
	m := s.baseMap()
	if s.Authorization != "" {
		m["authorization"] = s.Authorization
	}
	if s.Alg != "" {
		m["alg"] = s.Alg
	}
	if s.Format != "" {
		m["format"] = s.Format
	}
	if s.In != "" {
		m["in"] = s.In
	}
	if s.Name != "" {
		m["name"] = s.Name
	}
	return m
}

// PSKSecurityScheme ("psk") — pre-shared key, identity hinted by Identity.
type PSKSecurityScheme struct {
	baseScheme
	Identity string
}

func (s PSKSecurityScheme) ToMap() map[string]interface{} {
	m := s.baseMap()
	if s.Identity != "" {
		m["identity"] = s.Identity
	}
	return m
}

// OAuth2SecurityScheme ("oauth2") — flow-based bearer token acquisition.
type OAuth2SecurityScheme struct {
	baseScheme
	Authorization string
	Token         string
	Refresh       string
	Flow          string
	Scopes        []string
}

func (s OAuth2SecurityScheme) ToMap() map[string]interface{} {
	m := s.baseMap()
	if s.Authorization != "" {
		m["authorization"] = s.Authorization
	}
	if s.Token != "" {
		m["token"] = s.Token
	}
	if s.Refresh != "" {
		m["refresh"] = s.Refresh
	}
	if s.Flow != "" {
		m["flow"] = s.Flow
	}
	if len(s.Scopes) > 0 {
		m["scopes"] = toInterfaceSlice(s.Scopes)
	}
	return m
}

// OIDC4VPSecurityScheme ("oidc4vp") — verifiable-presentation based auth;
// the cryptography itself is a hook point, not implemented here (§1
// Non-goals: "concrete OAuth2/OIDC4VP token-acquisition flows").
type OIDC4VPSecurityScheme struct {
	baseScheme
	Authorization string
}

func (s OIDC4VPSecurityScheme) ToMap() map[string]interface{} {
	m := s.baseMap()
	if s.Authorization != "" {
		m["authorization"] = s.Authorization
	}
	return m
}

func toInterfaceSlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// SecuritySchemeFromMap builds the variant named by m["scheme"], the factory
// wotpy's SecuritySchemeDict.build dispatches with. Unknown scheme names
// fail with NotSupported rather than silently defaulting.
func SecuritySchemeFromMap(m map[string]interface{}) (SecurityScheme, error) {
	schemeName, _ := m["scheme"].(string)
	extra := map[string]interface{}{}
	for k, v := range m {
		switch k {
		case "scheme", "description", "in", "name", "qop", "authorization",
			"alg", "format", "identity", "token", "refresh", "flow", "scopes",
			"oneOf", "allOf":
			// consumed by a typed field below
		default:
			extra[k] = v
		}
	}
	desc, _ := m["description"].(string)
	base := baseScheme{scheme: schemeName, description: desc, extra: extra}
	strField := func(k string) string { s, _ := m[k].(string); return s }
	strSlice := func(k string) []string {
		arr, _ := m[k].([]interface{})
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}

	switch schemeName {
	case "nosec", "":
		return NoSecurityScheme{base}, nil
	case "auto":
		return AutoSecurityScheme{base}, nil
	case "combo":
		return ComboSecurityScheme{base, strSlice("oneOf"), strSlice("allOf")}, nil
	case "basic":
		return BasicSecurityScheme{base, strField("in"), strField("name")}, nil
	case "digest":
		return DigestSecurityScheme{base, strField("qop"), strField("in")}, nil
	case "apikey":
		return APIKeySecurityScheme{base, strField("in"), strField("name")}, nil
	case "bearer":
		return BearerSecurityScheme{base, strField("authorization"), strField("alg"), strField("format"), strField("name"), strField("in")}, nil
	case "psk":
		return PSKSecurityScheme{base, strField("identity")}, nil
	case "oauth2":
		return OAuth2SecurityScheme{base, strField("authorization"), strField("token"), strField("refresh"), strField("flow"), strSlice("scopes")}, nil
	case "oidc4vp":
		return OIDC4VPSecurityScheme{base, strField("authorization")}, nil
	default:
		return nil, werrors.New(werrors.KindNotSupported, "unknown security scheme %q", schemeName)
	}
}
