// Package binding declares the protocol-binding contracts (§4.E) that every
// transport implementation (HTTP, CoAP, MQTT, WebSocket) satisfies, plus the
// shared timeout and security-installation types the servient and
// ConsumedThing use generically across protocols.
package binding

import (
	"context"
	"time"

	"github.com/wostzone/wotgo/pkg/eventbus"
	"github.com/wostzone/wotgo/pkg/thing"
)

// Protocol names one of the four transports.
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolCoAP      Protocol = "coap"
	ProtocolMQTT      Protocol = "mqtt"
	ProtocolWebSocket Protocol = "ws"
)

// ExposedThingView is the narrow read surface a Server needs from an
// ExposedThing without importing the exposedthing package. It lets a
// binding server read property state and invoke handlers;
// *exposedthing.ExposedThing satisfies it directly and is passed as is.
type ExposedThingView interface {
	ThingID() string
	URLName() string
	Thing() *thing.Thing
	ReadProperty(name string) (interface{}, error)
	WriteProperty(name string, value interface{}) error
	InvokeAction(ctx context.Context, name string, input interface{}) (interface{}, error)
	Subscribe(filter eventbus.Filter, next func(eventbus.EmittedEvent), complete func(), onError func(error)) *eventbus.Subscription
}

// Server is the protocol-binding server contract. Start/Stop are idempotent
// under an internal lock. A server is authoritative only for the Things
// currently added to it; the servient mirrors that set.
type Server interface {
	Protocol() Protocol
	Port() int
	FormPort() int // may differ from Port under a reverse proxy
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	BuildBaseURL(hostname string, t *thing.Thing) string
	BuildForms(hostname string, pattern *thing.Pattern) []thing.Form
	AddExposedThing(et ExposedThingView) error
	RemoveExposedThing(thingID string)
}

// Client is the protocol-binding client contract.
type Client interface {
	Protocol() Protocol
	IsSupportedInteraction(td *thing.Thing, name string) bool
	ReadProperty(ctx context.Context, td *thing.Thing, name string) (interface{}, error)
	WriteProperty(ctx context.Context, td *thing.Thing, name string, value interface{}) error
	InvokeAction(ctx context.Context, td *thing.Thing, name string, input interface{}) (interface{}, error)
	OnPropertyChange(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (Subscription, error)
	OnEvent(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (Subscription, error)
	SetSecurity(scheme thing.SecurityScheme, credentials map[string]interface{}) error
	// IsPushBased reports whether this client's observation streams push
	// values without a pull, letting ConsumedThing serve cached reads
	// without a round trip (the wost-go valueStore optimization).
	IsPushBased() bool
}

// Subscription is the binding-side handle for an observation stream,
// wrapped by ConsumedThing's subscription proxy.
type Subscription interface {
	Unsubscribe()
}

// Timeouts bundles the soft/hard timeout pair from §4.D: each proxy call
// carries a soft timeout passed to the binding, and a hard timeout (by
// convention 1.2x soft) guarding against a binding that ignores it.
type Timeouts struct {
	Soft time.Duration
	Hard time.Duration
}

func NewTimeouts(soft time.Duration) Timeouts {
	return Timeouts{Soft: soft, Hard: time.Duration(float64(soft) * 1.2)}
}

const DefaultSoftTimeout = 10 * time.Second
