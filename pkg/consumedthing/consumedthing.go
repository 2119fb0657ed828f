// Package consumedthing implements the client-side Thing facade (§4.D):
// each call resolves a protocol binding client anew (no caching of the
// binding choice, to tolerate hot topology changes), while a small value
// cache lets push-based protocols serve reads without a round trip.
// Grounded on wost-go's pkg/consumedthing/ConsumedThing.go and
// ConsumedThingProtocolBinding.go, and on wotpy's servient.py
// select_client policy for the resolution step itself.
package consumedthing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/wotgo/pkg/binding"
	"github.com/wostzone/wotgo/pkg/thing"
	"github.com/wostzone/wotgo/pkg/werrors"
)

// ClientSelector resolves a protocol binding client for an interaction,
// implemented by pkg/servient so this package never imports it back (the
// servient depends on consumedthing, not the other way around).
type ClientSelector interface {
	SelectClient(td *thing.Thing, name string) (binding.Client, error)
}

type cachedValue struct {
	value interface{}
	at    time.Time
}

// ConsumedThing is the proxy wrapping a TD for remote interaction.
type ConsumedThing struct {
	td       *thing.Thing
	selector ClientSelector
	timeouts binding.Timeouts

	mu    sync.RWMutex
	cache map[string]cachedValue
	subs  map[string]*Subscription // name -> active subscription; single subscriber per name
}

func New(td *thing.Thing, selector ClientSelector, soft time.Duration) *ConsumedThing {
	if soft == 0 {
		soft = binding.DefaultSoftTimeout
	}
	return &ConsumedThing{
		td:       td,
		selector: selector,
		timeouts: binding.NewTimeouts(soft),
		cache:    map[string]cachedValue{},
		subs:     map[string]*Subscription{},
	}
}

func (ct *ConsumedThing) TD() *thing.Thing { return ct.td }

func (ct *ConsumedThing) withHardTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, ct.timeouts.Hard)
}

// ReadProperty resolves a client anew and reads the property. For clients
// reporting IsPushBased() (MQTT/WS observation streams), a previously
// cached value is returned directly instead of a wire round trip; pull-
// based protocols (HTTP/CoAP) always hit the wire.
func (ct *ConsumedThing) ReadProperty(ctx context.Context, name string) (interface{}, error) {
	client, err := ct.selector.SelectClient(ct.td, name)
	if err != nil {
		return nil, err
	}
	if client.IsPushBased() {
		ct.mu.RLock()
		cached, ok := ct.cache[name]
		ct.mu.RUnlock()
		if ok {
			return cached.value, nil
		}
	}
	ctx, cancel := ct.withHardTimeout(ctx)
	defer cancel()
	value, err := client.ReadProperty(ctx, ct.td, name)
	if err != nil {
		return nil, err
	}
	ct.storeCache(name, value)
	return value, nil
}

func (ct *ConsumedThing) WriteProperty(ctx context.Context, name string, value interface{}) error {
	client, err := ct.selector.SelectClient(ct.td, name)
	if err != nil {
		return err
	}
	ctx, cancel := ct.withHardTimeout(ctx)
	defer cancel()
	if err := client.WriteProperty(ctx, ct.td, name, value); err != nil {
		return err
	}
	ct.storeCache(name, value)
	return nil
}

func (ct *ConsumedThing) InvokeAction(ctx context.Context, name string, input interface{}) (interface{}, error) {
	client, err := ct.selector.SelectClient(ct.td, name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := ct.withHardTimeout(ctx)
	defer cancel()
	return client.InvokeAction(ctx, ct.td, name, input)
}

func (ct *ConsumedThing) storeCache(name string, value interface{}) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.cache[name] = cachedValue{value: value, at: time.Now()}
}

// ObserveProperty subscribes to property-change notifications. Only one
// observer per property name is allowed at a time; a second call fails
// with NotSupported (wost-go's "NotAllowed" rule) until the first is
// disposed.
func (ct *ConsumedThing) ObserveProperty(ctx context.Context, name string, cb func(interface{}, error)) (*Subscription, error) {
	return ct.subscribe(ctx, name, cb, func(client binding.Client, innerCtx context.Context, innerCb func(interface{}, error)) (binding.Subscription, error) {
		sub, err := client.OnPropertyChange(innerCtx, ct.td, name, func(v interface{}, err error) {
			if err == nil {
				ct.storeCache(name, v)
			}
			innerCb(v, err)
		})
		return sub, err
	})
}

func (ct *ConsumedThing) SubscribeEvent(ctx context.Context, name string, cb func(interface{}, error)) (*Subscription, error) {
	return ct.subscribe(ctx, name, cb, func(client binding.Client, innerCtx context.Context, innerCb func(interface{}, error)) (binding.Subscription, error) {
		return client.OnEvent(innerCtx, ct.td, name, innerCb)
	})
}

type openFunc func(client binding.Client, ctx context.Context, cb func(interface{}, error)) (binding.Subscription, error)

// reconnectDelay is the fixed ~2s wait before a subscription proxy
// transparently recreates its underlying binding subscription after an
// error (§4.D).
const reconnectDelay = 2 * time.Second

func (ct *ConsumedThing) subscribe(ctx context.Context, name string, cb func(interface{}, error), open openFunc) (*Subscription, error) {
	ct.mu.Lock()
	if _, exists := ct.subs[name]; exists {
		ct.mu.Unlock()
		return nil, werrors.New(werrors.KindNotSupported, "already subscribed to %q", name)
	}
	proxy := &Subscription{ct: ct, name: name, open: open, cb: cb, stop: make(chan struct{})}
	ct.subs[name] = proxy
	ct.mu.Unlock()

	client, err := ct.selector.SelectClient(ct.td, name)
	if err != nil {
		ct.mu.Lock()
		delete(ct.subs, name)
		ct.mu.Unlock()
		return nil, err
	}
	proxy.client = client

	if err := proxy.start(ctx); err != nil {
		ct.mu.Lock()
		delete(ct.subs, name)
		ct.mu.Unlock()
		return nil, err
	}
	return proxy, nil
}

func (ct *ConsumedThing) dropSubscription(name string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.subs, name)
}

// Subscription wraps a binding.Subscription, transparently recreating it
// after an upstream error following a fixed delay, until Unsubscribe is
// called.
type Subscription struct {
	ct     *ConsumedThing
	name   string
	open   openFunc
	cb     func(interface{}, error)
	client binding.Client

	mu     sync.Mutex
	inner  binding.Subscription
	active bool
	stop   chan struct{}
}

func (s *Subscription) start(ctx context.Context) error {
	inner, err := s.open(s.client, ctx, s.onEvent)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.inner = inner
	s.active = true
	s.mu.Unlock()
	return nil
}

func (s *Subscription) onEvent(v interface{}, err error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return
	}
	if err != nil {
		logrus.Warningf("consumedthing: subscription %q errored: %s; recreating in %s", s.name, err, reconnectDelay)
		go s.recreateAfterDelay()
		return
	}
	if s.cb != nil {
		s.cb(v, nil)
	}
}

func (s *Subscription) recreateAfterDelay() {
	select {
	case <-time.After(reconnectDelay):
	case <-s.stop:
		return
	}
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.start(context.Background()); err != nil {
		logrus.Errorf("consumedthing: failed to recreate subscription %q: %s", s.name, err)
	}
}

// Unsubscribe is idempotent and disposes the underlying binding
// subscription.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	inner := s.inner
	s.mu.Unlock()

	close(s.stop)
	if inner != nil {
		inner.Unsubscribe()
	}
	s.ct.dropSubscription(s.name)
}
