// Package exposedthing implements the server-side Thing facade (§4.C):
// per-interaction property values, read/write/invoke handler tables with a
// global fallback per table, and the event bus that backs observation.
// Grounded on wotpy's wot/exposed/thing.py (handler resolution, write-then-
// emit ordering, invoke-then-emit ordering) and wost-go's ExposedThing.go
// (hook-field shape, map-keyed-by-"" global default convention).
package exposedthing

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/wostzone/wotgo/pkg/eventbus"
	"github.com/wostzone/wotgo/pkg/thing"
	"github.com/wostzone/wotgo/pkg/werrors"
)

// globalHandlerKey is the sentinel key under which the global/default
// handler for a verb table is stored, so lookup is a single map access with
// no separate fallback field — handler resolution is "per-interaction, else
// this key, else the built-in default".
const globalHandlerKey = ""

type (
	ReadHandler   func(name string) (interface{}, error)
	WriteHandler  func(name string, value interface{}) error
	ActionHandler func(ctx context.Context, name string, input interface{}) (interface{}, error)
)

// PersistenceWriter is the narrow recording surface read_property uses when
// configured (servient.Writer satisfies it; kept local to avoid an import
// cycle with pkg/servient).
type PersistenceWriter interface {
	WritePoint(bucket, key string, value interface{}) error
}

// ExposedThing wraps a Thing with runtime state: values, handler tables and
// an event bus. Lifecycle: created -> Expose() -> Destroy() (not destroyed
// structurally — a Thing can be re-exposed).
type ExposedThing struct {
	mu sync.RWMutex

	t       *thing.Thing
	values  map[string]interface{}
	exposed bool

	readHandlers   map[string]ReadHandler
	writeHandlers  map[string]WriteHandler
	actionHandlers map[string]ActionHandler

	bus        *eventbus.Subject
	writer     PersistenceWriter
	writerBucket string
}

func New(t *thing.Thing) *ExposedThing {
	return &ExposedThing{
		t:              t,
		values:         map[string]interface{}{},
		readHandlers:   map[string]ReadHandler{},
		writeHandlers:  map[string]WriteHandler{},
		actionHandlers: map[string]ActionHandler{},
		bus:            eventbus.NewSubject(),
	}
}

func (et *ExposedThing) ThingID() string    { return et.t.ID }
func (et *ExposedThing) URLName() string    { return et.t.URLName }
func (et *ExposedThing) Thing() *thing.Thing { return et.t }
func (et *ExposedThing) IsExposed() bool {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return et.exposed
}

// SetPersistence configures the writer whose WritePoint is called from
// read_property, recording the returned value under the property name
// (nested mappings flattened into dotted keys).
func (et *ExposedThing) SetPersistence(w PersistenceWriter, bucket string) {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.writer = w
	et.writerBucket = bucket
}

// Expose marks the Thing as routable; the servient is responsible for
// actually telling each server to start routing for it.
func (et *ExposedThing) Expose() {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.exposed = true
}

// Destroy marks the Thing as not routable; it is not destroyed
// structurally and can be re-exposed.
func (et *ExposedThing) Destroy() {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.exposed = false
}

// ClearGeneratedForms drops every auto-generated form across all
// interactions, preserving TD-declared ones, in preparation for a forms
// rebuild (used by the servient's refresh_forms and disable_exposed_thing).
func (et *ExposedThing) ClearGeneratedForms() {
	for _, p := range et.t.AllPatterns() {
		p.ClearGeneratedForms()
	}
}

// Subscribe exposes the bus to protocol binding servers without letting
// them reach into ExposedThing's internals.
func (et *ExposedThing) Subscribe(filter eventbus.Filter, next func(eventbus.EmittedEvent), complete func(), onError func(error)) *eventbus.Subscription {
	return et.bus.Subscribe(filter, next, complete, onError)
}

// SetPropertyReadHandler overrides the read handler for one property; an
// empty name sets the table's global fallback.
func (et *ExposedThing) SetPropertyReadHandler(name string, h ReadHandler) {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.readHandlers[name] = h
}

func (et *ExposedThing) SetPropertyWriteHandler(name string, h WriteHandler) {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.writeHandlers[name] = h
}

func (et *ExposedThing) SetActionHandler(name string, h ActionHandler) {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.actionHandlers[name] = h
}

// ReadProperty resolves the read handler (per-interaction, else global,
// else the stored value) and, if a persistence writer is configured,
// records the result.
func (et *ExposedThing) ReadProperty(name string) (interface{}, error) {
	et.mu.RLock()
	_, ok := et.t.GetProperty(name)
	if !ok {
		et.mu.RUnlock()
		return nil, werrors.New(werrors.KindNotSupported, "unknown property %q", name)
	}
	h, hasSpecific := et.readHandlers[name]
	if !hasSpecific {
		h, hasSpecific = et.readHandlers[globalHandlerKey]
	}
	writer := et.writer
	bucket := et.writerBucket
	et.mu.RUnlock()

	var value interface{}
	var err error
	if hasSpecific && h != nil {
		value, err = h(name)
	} else {
		et.mu.RLock()
		value = et.values[name]
		et.mu.RUnlock()
	}
	if err != nil {
		return nil, err
	}
	if writer != nil {
		for k, v := range flatten(name, value) {
			_ = writer.WritePoint(bucket, k, v)
		}
	}
	return value, nil
}

// WriteProperty resolves the write handler, stores the resulting value and
// emits a PropertyChange, with no readOnly check. Binding servers call this
// method through binding.ExposedThingView, so writes arriving over a
// protocol are not checked against readOnly either; HandleWriteProperty is
// the variant that checks readOnly.
func (et *ExposedThing) WriteProperty(name string, value interface{}) error {
	et.mu.RLock()
	_, ok := et.t.GetProperty(name)
	if !ok {
		et.mu.RUnlock()
		return werrors.New(werrors.KindNotSupported, "unknown property %q", name)
	}
	h, hasSpecific := et.writeHandlers[name]
	if !hasSpecific {
		h, hasSpecific = et.writeHandlers[globalHandlerKey]
	}
	et.mu.RUnlock()

	var err error
	if hasSpecific && h != nil {
		err = h(name, value)
	}
	if err != nil {
		return err
	}
	et.mu.Lock()
	et.values[name] = value
	et.mu.Unlock()
	et.bus.Emit(eventbus.NewPropertyChange(name, value))
	return nil
}

// HandleWriteProperty is the external write path: it first checks
// readOnly and fails with a non-writable error before delegating to
// WriteProperty.
func (et *ExposedThing) HandleWriteProperty(name string, value interface{}) error {
	p, ok := et.t.GetProperty(name)
	if !ok {
		return werrors.New(werrors.KindNotSupported, "unknown property %q", name)
	}
	if p.Schema.ReadOnly {
		return werrors.New(werrors.KindHandlerError, "property %q is non-writable", name)
	}
	return et.WriteProperty(name, value)
}

// InvokeAction resolves the action handler (default: fails with "Undefined
// action handler") and emits ActionInvocation *after* the handler returns,
// carrying any raised error — subscribers may observe the result before the
// caller does.
func (et *ExposedThing) InvokeAction(ctx context.Context, name string, input interface{}) (interface{}, error) {
	et.mu.RLock()
	_, ok := et.t.GetAction(name)
	if !ok {
		et.mu.RUnlock()
		return nil, werrors.New(werrors.KindNotSupported, "unknown action %q", name)
	}
	h, hasSpecific := et.actionHandlers[name]
	if !hasSpecific {
		h, hasSpecific = et.actionHandlers[globalHandlerKey]
	}
	et.mu.RUnlock()

	var result interface{}
	var err error
	if hasSpecific && h != nil {
		result, err = h(ctx, name, input)
	} else {
		err = werrors.New(werrors.KindHandlerError, "Undefined action handler for %q", name)
	}
	et.bus.Emit(eventbus.NewActionInvocation(name, result, err))
	return result, err
}

// EmitEvent requires the event be declared and emits a Custom event.
func (et *ExposedThing) EmitEvent(name string, payload interface{}) error {
	if _, ok := et.t.GetEvent(name); !ok {
		return werrors.New(werrors.KindNotSupported, "undeclared event %q", name)
	}
	et.bus.Emit(eventbus.NewCustom(name, payload))
	return nil
}

// AddProperty edits the Thing then emits a ThingDescriptionChange carrying
// the new TD snapshot.
func (et *ExposedThing) AddProperty(name string, p *thing.Property) error {
	if err := et.t.AddProperty(name, p); err != nil {
		return err
	}
	et.emitTDChange("add", "property", name)
	return nil
}

func (et *ExposedThing) AddAction(name string, a *thing.Action) error {
	if err := et.t.AddAction(name, a); err != nil {
		return err
	}
	et.emitTDChange("add", "action", name)
	return nil
}

func (et *ExposedThing) AddEvent(name string, e *thing.Event) error {
	if err := et.t.AddEvent(name, e); err != nil {
		return err
	}
	et.emitTDChange("add", "event", name)
	return nil
}

func (et *ExposedThing) RemoveProperty(name string) {
	et.t.RemoveProperty(name)
	et.emitTDChange("remove", "property", name)
}

func (et *ExposedThing) RemoveAction(name string) {
	et.t.RemoveAction(name)
	et.emitTDChange("remove", "action", name)
}

func (et *ExposedThing) RemoveEvent(name string) {
	et.t.RemoveEvent(name)
	et.emitTDChange("remove", "event", name)
}

func (et *ExposedThing) emitTDChange(changeType, method, name string) {
	doc, _ := et.t.Encode()
	var snapshot map[string]interface{}
	_ = json.Unmarshal(doc, &snapshot)
	et.bus.Emit(eventbus.NewThingDescriptionChange(changeType, method, name, nil, snapshot))
}

// flatten turns a possibly-nested value into dotted-key leaves, e.g.
// flatten("pos", map[string]interface{}{"x":1,"y":2}) -> {"pos.x":1,"pos.y":2}.
func flatten(prefix string, v interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	switch val := v.(type) {
	case map[string]interface{}:
		for k, sub := range val {
			for fk, fv := range flatten(prefix+"."+k, sub) {
				out[fk] = fv
			}
		}
	case []interface{}:
		for i, sub := range val {
			for fk, fv := range flatten(prefix+"."+strconv.Itoa(i), sub) {
				out[fk] = fv
			}
		}
	default:
		out[prefix] = v
	}
	return out
}
