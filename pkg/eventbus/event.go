// Package eventbus implements the per-ExposedThing multicast subject of
// EmittedEvent values described in §4.B: cold subscriptions (no history
// replay), sequential per-subscriber delivery and exactly-once
// complete/error finalization.
package eventbus

import "time"

// EmittedEvent is the tagged-variant interface for everything the bus can
// carry. Name identifies the event kind for filter predicates.
type EmittedEvent interface {
	Name() string
	EmittedAt() time.Time
}

type base struct {
	at time.Time
}

func (b base) EmittedAt() time.Time { return b.at }

func newBase() base { return base{at: time.Now()} }

// PropertyChange fires when write_property stores a new value.
type PropertyChange struct {
	base
	PropertyName string
	Value        interface{}
}

func (PropertyChange) Name() string { return "PropertyChange" }

func NewPropertyChange(name string, value interface{}) PropertyChange {
	return PropertyChange{base: newBase(), PropertyName: name, Value: value}
}

// ActionInvocation fires after an action handler returns (or raises).
type ActionInvocation struct {
	base
	ActionName  string
	ReturnValue interface{}
	Err         error
}

func (ActionInvocation) Name() string { return "ActionInvocation" }

func NewActionInvocation(name string, ret interface{}, err error) ActionInvocation {
	return ActionInvocation{base: newBase(), ActionName: name, ReturnValue: ret, Err: err}
}

// ThingDescriptionChange fires on add/remove of an interaction.
type ThingDescriptionChange struct {
	base
	ChangeType  string // "add" | "remove"
	Method      string // "property" | "action" | "event"
	PropName    string
	Data        map[string]interface{}
	Description map[string]interface{} // TD snapshot at time of change
}

func (ThingDescriptionChange) Name() string { return "ThingDescriptionChange" }

func NewThingDescriptionChange(changeType, method, name string, data, td map[string]interface{}) ThingDescriptionChange {
	return ThingDescriptionChange{
		base: newBase(), ChangeType: changeType, Method: method,
		PropName: name, Data: data, Description: td,
	}
}

// Custom fires on emit_event for user-declared events.
type Custom struct {
	base
	EventName string
	Payload   interface{}
}

func (Custom) Name() string { return "Custom" }

func NewCustom(name string, payload interface{}) Custom {
	return Custom{base: newBase(), EventName: name, Payload: payload}
}
