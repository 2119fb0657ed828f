package thing

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Verb is one of the abstract interaction verbs a Form's op list can name.
type Verb string

const (
	OpReadProperty      Verb = "readproperty"
	OpWriteProperty     Verb = "writeproperty"
	OpObserveProperty   Verb = "observeproperty"
	OpUnobserveProperty Verb = "unobserveproperty"
	OpInvokeAction      Verb = "invokeaction"
	OpSubscribeEvent    Verb = "subscribeevent"
	OpUnsubscribeEvent  Verb = "unsubscribeevent"
)

// Form is a transport endpoint + operation verb + content type through which
// an interaction is reached. Generated reports whether the servient built
// this form (and may therefore discard and rebuild it on topology change) as
// opposed to one declared in the original TD document, which is immutable.
type Form struct {
	Href                string                 `json:"href"`
	ContentType         string                 `json:"contentType,omitempty"`
	Op                  []string               `json:"op,omitempty"`
	Subprotocol         string                 `json:"subprotocol,omitempty"`
	Security            []string               `json:"security,omitempty"`
	Response            map[string]interface{} `json:"response,omitempty"`
	AdditionalResponses []interface{}          `json:"additionalResponses,omitempty"`
	Generated           bool                   `json:"-"`
}

// Identity returns a stable hash of href+op+contentType, used to de-duplicate
// auto-generated forms across refresh_forms calls.
func (f Form) Identity() string {
	h := sha256.New()
	h.Write([]byte(f.Href))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(f.Op, ",")))
	h.Write([]byte{0})
	h.Write([]byte(f.ContentType))
	return hex.EncodeToString(h.Sum(nil))
}

// HasOp reports whether the form declares the given verb.
func (f Form) HasOp(v Verb) bool {
	for _, op := range f.Op {
		if op == string(v) {
			return true
		}
	}
	return false
}

// Scheme returns the URL scheme portion of Href ("http", "mqtt", ...), or ""
// if Href does not parse as schemed.
func (f Form) Scheme() string {
	idx := strings.Index(f.Href, "://")
	if idx < 0 {
		return ""
	}
	return f.Href[:idx]
}

func defaultContentType(ct string) string {
	if ct == "" {
		return "application/json"
	}
	return ct
}

func formToMap(f Form) map[string]interface{} {
	m := map[string]interface{}{
		"href": f.Href,
	}
	ct := defaultContentType(f.ContentType)
	if ct != "application/json" || f.ContentType != "" {
		m["contentType"] = ct
	}
	if len(f.Op) > 0 {
		ops := make([]interface{}, len(f.Op))
		for i, o := range f.Op {
			ops[i] = o
		}
		m["op"] = ops
	}
	if f.Subprotocol != "" {
		m["subprotocol"] = f.Subprotocol
	}
	if len(f.Security) > 0 {
		sec := make([]interface{}, len(f.Security))
		for i, s := range f.Security {
			sec[i] = s
		}
		m["security"] = sec
	}
	if f.Response != nil {
		m["response"] = f.Response
	}
	if f.AdditionalResponses != nil {
		m["additionalResponses"] = f.AdditionalResponses
	}
	return m
}

func formFromMap(m map[string]interface{}) Form {
	f := Form{}
	if href, ok := m["href"].(string); ok {
		f.Href = href
	}
	if ct, ok := m["contentType"].(string); ok {
		f.ContentType = ct
	}
	if ops, ok := m["op"]; ok {
		switch v := ops.(type) {
		case []interface{}:
			for _, o := range v {
				if s, ok := o.(string); ok {
					f.Op = append(f.Op, s)
				}
			}
		case string:
			f.Op = []string{v}
		}
	}
	if sp, ok := m["subprotocol"].(string); ok {
		f.Subprotocol = sp
	}
	if sec, ok := m["security"].([]interface{}); ok {
		for _, s := range sec {
			if str, ok := s.(string); ok {
				f.Security = append(f.Security, str)
			}
		}
	}
	if resp, ok := m["response"].(map[string]interface{}); ok {
		f.Response = resp
	}
	if ar, ok := m["additionalResponses"].([]interface{}); ok {
		f.AdditionalResponses = ar
	}
	return f
}
