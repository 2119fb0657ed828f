package thing

import (
	"sync"

	"github.com/wostzone/wotgo/pkg/werrors"
)

// Kind names which of the three interaction variants a Pattern belongs to.
type Kind string

const (
	KindProperty Kind = "property"
	KindAction   Kind = "action"
	KindEvent    Kind = "event"
)

// Pattern is the common structure shared by Property, Action and Event,
// composed into each rather than inherited: "model Property as composition
// ... with explicit accessors", never attribute-delegation to a base class.
type Pattern struct {
	Kind Kind
	// Name is the interaction's declared key in the owning Thing's map.
	Name string
	// URLName is the slugified, URL-safe form of Name.
	URLName string
	// Title/Description are free descriptive fields carried through
	// round-trips without being interpreted.
	Title       string
	Description string

	mu             sync.RWMutex
	tdForms        []Form // immutable across the life of the Thing
	generatedForms []Form // rebuilt whenever servient topology changes
}

// TDForms returns the TD-declared forms, which callers must not mutate.
func (p *Pattern) TDForms() []Form {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Form, len(p.tdForms))
	copy(out, p.tdForms)
	return out
}

// SetTDForms installs the original, immutable TD-declared form set. Only
// valid before the owning Thing is parsed into an ExposedThing.
func (p *Pattern) SetTDForms(forms []Form) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tdForms = forms
}

// AllForms returns TD-declared forms followed by currently generated forms.
func (p *Pattern) AllForms() []Form {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Form, 0, len(p.tdForms)+len(p.generatedForms))
	out = append(out, p.tdForms...)
	out = append(out, p.generatedForms...)
	return out
}

// ReplaceGeneratedForms discards the previous auto-generated set and
// installs a new one, de-duplicating by Form.Identity so refresh_forms is
// idempotent under repeated calls with the same inputs.
func (p *Pattern) ReplaceGeneratedForms(forms []Form) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := map[string]bool{}
	out := make([]Form, 0, len(forms))
	for _, f := range forms {
		f.Generated = true
		id := f.Identity()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, f)
	}
	p.generatedForms = out
}

// ClearGeneratedForms drops every auto-generated form, leaving TD-declared
// forms untouched; the first half of refresh_forms's clean-then-rebuild.
func (p *Pattern) ClearGeneratedForms() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generatedForms = nil
}

func newPattern(kind Kind, name string) (Pattern, error) {
	if !ValidName(name) {
		return Pattern{}, werrors.New(werrors.KindProtocolError, "invalid interaction name %q", name)
	}
	return Pattern{Kind: kind, Name: name, URLName: Slugify(name)}, nil
}

// Property is an interaction exposing a readable/writable data value.
type Property struct {
	Pattern *Pattern
	Schema  DataSchema
}

// Action is an interaction invoked with an input, returning an output.
type Action struct {
	Pattern    *Pattern
	Input      *DataSchema
	Output     *DataSchema
	Safe       bool
	Idempotent bool
}

// Event is an interaction emitting Data payloads, optionally filtered by a
// Subscription schema and terminated by a Cancellation schema.
type Event struct {
	Pattern      *Pattern
	Data         *DataSchema
	Subscription *DataSchema
	Cancellation *DataSchema
}

func NewProperty(name string, schema DataSchema) (*Property, error) {
	p, err := newPattern(KindProperty, name)
	if err != nil {
		return nil, err
	}
	return &Property{Pattern: &p, Schema: schema}, nil
}

func NewAction(name string) (*Action, error) {
	p, err := newPattern(KindAction, name)
	if err != nil {
		return nil, err
	}
	return &Action{Pattern: &p}, nil
}

func NewEvent(name string) (*Event, error) {
	p, err := newPattern(KindEvent, name)
	if err != nil {
		return nil, err
	}
	return &Event{Pattern: &p}, nil
}
