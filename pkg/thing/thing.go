// Package thing models a WoT Thing Description: the Thing itself, its three
// interaction variants (Property/Action/Event), Forms, DataSchemas and the
// SecurityScheme tagged-variant set, plus the JSON codec that parses and
// re-emits TD documents.
package thing

import (
	"sync"

	"github.com/wostzone/wotgo/pkg/werrors"
)

// Thing is a named collection of properties, actions and events plus the
// security metadata needed to reach them. All mutation is expected to
// happen only while the owning ExposedThing is not yet exposed, or via the
// Add*/Remove* methods which the ExposedThing layer wraps to also emit a
// ThingDescriptionChange event.
type Thing struct {
	mu sync.RWMutex

	ID      string
	Title   string
	URLName string
	Context interface{}

	Security            []string
	SecurityDefinitions map[string]SecurityScheme

	Properties map[string]*Property
	Actions    map[string]*Action
	Events     map[string]*Event

	// Extra carries any TD field this model does not interpret, preserved
	// for round-trip fidelity.
	Extra map[string]interface{}
}

// New creates an empty Thing ready to have interactions added to it.
func New(id, title string) *Thing {
	return &Thing{
		ID:                  id,
		Title:               title,
		URLName:             Slugify(title),
		SecurityDefinitions: map[string]SecurityScheme{},
		Properties:          map[string]*Property{},
		Actions:             map[string]*Action{},
		Events:              map[string]*Event{},
		Extra:               map[string]interface{}{},
	}
}

// Validate checks the Thing-level invariants from §3: every name in
// Security resolves in SecurityDefinitions, and no interaction name or
// slugified name is shared across the three maps.
func (t *Thing) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, name := range t.Security {
		if _, ok := t.SecurityDefinitions[name]; !ok {
			return werrors.New(werrors.KindProtocolError, "security scheme %q not in securityDefinitions", name)
		}
	}
	names := map[string]bool{}
	slugs := map[string]bool{}
	check := func(name, slug string) error {
		if names[name] {
			return werrors.New(werrors.KindProtocolError, "duplicate interaction name %q", name)
		}
		if slugs[slug] {
			return werrors.New(werrors.KindProtocolError, "duplicate interaction url_name %q", slug)
		}
		names[name] = true
		slugs[slug] = true
		return nil
	}
	for name, p := range t.Properties {
		if err := check(name, p.Pattern.URLName); err != nil {
			return err
		}
	}
	for name, a := range t.Actions {
		if err := check(name, a.Pattern.URLName); err != nil {
			return err
		}
	}
	for name, e := range t.Events {
		if err := check(name, e.Pattern.URLName); err != nil {
			return err
		}
	}
	return nil
}

func (t *Thing) AddProperty(name string, p *Property) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNameFreeLocked(name, p.Pattern.URLName); err != nil {
		return err
	}
	t.Properties[name] = p
	return nil
}

func (t *Thing) AddAction(name string, a *Action) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNameFreeLocked(name, a.Pattern.URLName); err != nil {
		return err
	}
	t.Actions[name] = a
	return nil
}

func (t *Thing) AddEvent(name string, e *Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkNameFreeLocked(name, e.Pattern.URLName); err != nil {
		return err
	}
	t.Events[name] = e
	return nil
}

func (t *Thing) RemoveProperty(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.Properties, name)
}

func (t *Thing) RemoveAction(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.Actions, name)
}

func (t *Thing) RemoveEvent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.Events, name)
}

func (t *Thing) GetProperty(name string) (*Property, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.Properties[name]
	return p, ok
}

func (t *Thing) GetAction(name string) (*Action, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.Actions[name]
	return a, ok
}

func (t *Thing) GetEvent(name string) (*Event, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.Events[name]
	return e, ok
}

// checkNameFreeLocked must be called with t.mu held for writing.
func (t *Thing) checkNameFreeLocked(name, urlName string) error {
	for n, p := range t.Properties {
		if n == name || p.Pattern.URLName == urlName {
			return werrors.New(werrors.KindProtocolError, "interaction name %q collides with existing property", name)
		}
	}
	for n, a := range t.Actions {
		if n == name || a.Pattern.URLName == urlName {
			return werrors.New(werrors.KindProtocolError, "interaction name %q collides with existing action", name)
		}
	}
	for n, e := range t.Events {
		if n == name || e.Pattern.URLName == urlName {
			return werrors.New(werrors.KindProtocolError, "interaction name %q collides with existing event", name)
		}
	}
	return nil
}

// AllPatterns returns every interaction's Pattern, used by form-generation
// code that treats all three kinds uniformly.
func (t *Thing) AllPatterns() []*Pattern {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Pattern, 0, len(t.Properties)+len(t.Actions)+len(t.Events))
	for _, p := range t.Properties {
		out = append(out, p.Pattern)
	}
	for _, a := range t.Actions {
		out = append(out, a.Pattern)
	}
	for _, e := range t.Events {
		out = append(out, e.Pattern)
	}
	return out
}
