package thing

import (
	"encoding/json"

	"github.com/wostzone/wotgo/pkg/werrors"
)

// ParseTD decodes a Thing Description document into a Thing. Required
// fields are @context, title, security and securityDefinitions; every
// interaction's forms must carry at least an href.
func ParseTD(data []byte) (*Thing, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "invalid TD JSON")
	}

	context, hasContext := doc["@context"]
	title, hasTitle := doc["title"].(string)
	secRaw, hasSecurity := doc["security"]
	secDefsRaw, hasSecurityDefs := doc["securityDefinitions"].(map[string]interface{})
	if !hasContext || !hasTitle || !hasSecurity || !hasSecurityDefs {
		return nil, werrors.New(werrors.KindProtocolError, "TD missing one of @context/title/security/securityDefinitions")
	}

	id, _ := doc["id"].(string)
	t := New(id, title)
	t.Context = context

	t.Security = toStringSlice(secRaw)

	for name, raw := range secDefsRaw {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		scheme, err := SecuritySchemeFromMap(m)
		if err != nil {
			return nil, err
		}
		t.SecurityDefinitions[name] = scheme
	}

	if props, ok := doc["properties"].(map[string]interface{}); ok {
		for name, raw := range props {
			m, _ := raw.(map[string]interface{})
			p, err := parsePropertyMap(name, m)
			if err != nil {
				return nil, err
			}
			if err := t.AddProperty(name, p); err != nil {
				return nil, err
			}
		}
	}
	if actions, ok := doc["actions"].(map[string]interface{}); ok {
		for name, raw := range actions {
			m, _ := raw.(map[string]interface{})
			a, err := parseActionMap(name, m)
			if err != nil {
				return nil, err
			}
			if err := t.AddAction(name, a); err != nil {
				return nil, err
			}
		}
	}
	if events, ok := doc["events"].(map[string]interface{}); ok {
		for name, raw := range events {
			m, _ := raw.(map[string]interface{})
			e, err := parseEventMap(name, m)
			if err != nil {
				return nil, err
			}
			if err := t.AddEvent(name, e); err != nil {
				return nil, err
			}
		}
	}

	extra := map[string]interface{}{}
	for k, v := range doc {
		switch k {
		case "@context", "title", "id", "security", "securityDefinitions",
			"properties", "actions", "events", "base":
		default:
			extra[k] = v
		}
	}
	t.Extra = extra

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func toStringSlice(v interface{}) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func parsePatternFields(p *Pattern, m map[string]interface{}) []Form {
	if title, ok := m["title"].(string); ok {
		p.Title = title
	}
	if desc, ok := m["description"].(string); ok {
		p.Description = desc
	}
	var forms []Form
	if rawForms, ok := m["forms"].([]interface{}); ok {
		for _, rf := range rawForms {
			if fm, ok := rf.(map[string]interface{}); ok {
				forms = append(forms, formFromMap(fm))
			}
		}
	}
	return forms
}

func parsePropertyMap(name string, m map[string]interface{}) (*Property, error) {
	schema := dataSchemaFromMap(m)
	p, err := NewProperty(name, schema)
	if err != nil {
		return nil, err
	}
	forms := parsePatternFields(p.Pattern, m)
	if len(forms) == 0 {
		return nil, werrors.New(werrors.KindProtocolError, "property %q has no forms", name)
	}
	for _, f := range forms {
		if f.Href == "" {
			return nil, werrors.New(werrors.KindProtocolError, "property %q has a form with no href", name)
		}
	}
	p.Pattern.SetTDForms(forms)
	return p, nil
}

func parseActionMap(name string, m map[string]interface{}) (*Action, error) {
	a, err := NewAction(name)
	if err != nil {
		return nil, err
	}
	forms := parsePatternFields(a.Pattern, m)
	if len(forms) == 0 {
		return nil, werrors.New(werrors.KindProtocolError, "action %q has no forms", name)
	}
	for _, f := range forms {
		if f.Href == "" {
			return nil, werrors.New(werrors.KindProtocolError, "action %q has a form with no href", name)
		}
	}
	if im, ok := m["input"].(map[string]interface{}); ok {
		s := dataSchemaFromMap(im)
		a.Input = &s
	}
	if om, ok := m["output"].(map[string]interface{}); ok {
		s := dataSchemaFromMap(om)
		a.Output = &s
	}
	a.Safe, _ = m["safe"].(bool)
	a.Idempotent, _ = m["idempotent"].(bool)
	a.Pattern.SetTDForms(forms)
	return a, nil
}

func parseEventMap(name string, m map[string]interface{}) (*Event, error) {
	e, err := NewEvent(name)
	if err != nil {
		return nil, err
	}
	forms := parsePatternFields(e.Pattern, m)
	if len(forms) == 0 {
		return nil, werrors.New(werrors.KindProtocolError, "event %q has no forms", name)
	}
	for _, f := range forms {
		if f.Href == "" {
			return nil, werrors.New(werrors.KindProtocolError, "event %q has a form with no href", name)
		}
	}
	if dm, ok := m["data"].(map[string]interface{}); ok {
		s := dataSchemaFromMap(dm)
		e.Data = &s
	}
	if sm, ok := m["subscription"].(map[string]interface{}); ok {
		s := dataSchemaFromMap(sm)
		e.Subscription = &s
	}
	if cm, ok := m["cancellation"].(map[string]interface{}); ok {
		s := dataSchemaFromMap(cm)
		e.Cancellation = &s
	}
	e.Pattern.SetTDForms(forms)
	return e, nil
}

// Encode re-emits the Thing as a TD document. The form list per interaction
// is the TD-declared forms followed by the currently active auto-generated
// forms, satisfying the round-trip law: parsing then emitting yields an
// equivalent document modulo key order and the generated-form set.
func (t *Thing) Encode() ([]byte, error) {
	return json.Marshal(t.toMap())
}

func (t *Thing) toMap() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	doc := map[string]interface{}{}
	for k, v := range t.Extra {
		doc[k] = v
	}
	doc["@context"] = t.Context
	if t.ID != "" {
		doc["id"] = t.ID
	}
	doc["title"] = t.Title
	doc["security"] = toInterfaceSlice(t.Security)

	secDefs := map[string]interface{}{}
	for name, scheme := range t.SecurityDefinitions {
		secDefs[name] = scheme.ToMap()
	}
	doc["securityDefinitions"] = secDefs

	if len(t.Properties) > 0 {
		props := map[string]interface{}{}
		for name, p := range t.Properties {
			props[name] = patternToMap(p.Pattern, p.Schema.toMap())
		}
		doc["properties"] = props
	}
	if len(t.Actions) > 0 {
		actions := map[string]interface{}{}
		for name, a := range t.Actions {
			m := map[string]interface{}{}
			if a.Input != nil {
				m["input"] = a.Input.toMap()
			}
			if a.Output != nil {
				m["output"] = a.Output.toMap()
			}
			if a.Safe {
				m["safe"] = true
			}
			if a.Idempotent {
				m["idempotent"] = true
			}
			actions[name] = patternToMap(a.Pattern, m)
		}
		doc["actions"] = actions
	}
	if len(t.Events) > 0 {
		events := map[string]interface{}{}
		for name, e := range t.Events {
			m := map[string]interface{}{}
			if e.Data != nil {
				m["data"] = e.Data.toMap()
			}
			if e.Subscription != nil {
				m["subscription"] = e.Subscription.toMap()
			}
			if e.Cancellation != nil {
				m["cancellation"] = e.Cancellation.toMap()
			}
			events[name] = patternToMap(e.Pattern, m)
		}
		doc["events"] = events
	}
	return doc
}

func patternToMap(p *Pattern, extra map[string]interface{}) map[string]interface{} {
	m := map[string]interface{}{}
	for k, v := range extra {
		m[k] = v
	}
	if p.Title != "" {
		m["title"] = p.Title
	}
	if p.Description != "" {
		m["description"] = p.Description
	}
	forms := p.AllForms()
	formList := make([]interface{}, len(forms))
	for i, f := range forms {
		formList[i] = formToMap(f)
	}
	m["forms"] = formList
	return m
}

// EncodeWithBase is Encode plus a "base" field rooted at the given server
// URL, the form the catalogue server emits TDs in (§6: "the servient adds
// base ... to TDs returned from the catalogue").
func (t *Thing) EncodeWithBase(base string) ([]byte, error) {
	doc := t.toMap()
	doc["base"] = base
	return json.Marshal(doc)
}
