package mqttpool

import (
	"context"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/wostzone/wotgo/pkg/werrors"
)

// BrokerHandle is the per-acquirer view of a pooled broker connection.
// Release must be called exactly once per successful Acquire.
type BrokerHandle struct {
	pool  *Pool
	entry *brokerEntry
}

func (h *BrokerHandle) Release() { h.pool.Release(h.entry.broker) }

// PeekTopicSince returns the payloads cached for topic with a sequence
// number greater than lastSeq, in arrival order, along with the sequence
// number to pass as lastSeq on the next call. Used by callers doing their
// own incremental consumption (the MQTT binding server's request-topic
// poll loop) — tracking by sequence rather than list length or a plain
// slice index survives evictLocked trimming entries off the front of the
// cached list between polls.
func (h *BrokerHandle) PeekTopicSince(topic string, lastSeq uint64) ([][]byte, uint64) {
	entries, newLastSeq := h.entry.entriesAfter(topic, lastSeq)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Payload
	}
	return out, newLastSeq
}

// WaitTopic blocks until the next arrival on topic or a short internal
// timeout elapses, whichever comes first — callers loop and re-check
// PeekTopicSince/their own stop condition after each return.
func (h *BrokerHandle) WaitTopic(topic string) {
	h.entry.waiterFor(topic).Wait(waitStep)
}

// Subscribe adds topic to the persisted topic set (replayed on reconnect)
// and wires delivery into the shared cache + waiter.
func (h *BrokerHandle) Subscribe(topic string, qos byte) error {
	h.entry.mu.Lock()
	h.entry.topics[topic] = qos
	h.entry.mu.Unlock()
	h.entry.subscribeRaw(topic, qos)
	return nil
}

// Unsubscribe removes topic from the persisted set and the broker.
func (h *BrokerHandle) Unsubscribe(topic string) {
	h.entry.mu.Lock()
	delete(h.entry.topics, topic)
	delete(h.entry.cache, topic)
	h.entry.mu.Unlock()
	if h.entry.client != nil {
		h.entry.client.Unsubscribe(topic)
	}
}

// Publish sends payload to topic at the given QoS.
func (h *BrokerHandle) Publish(topic string, qos byte, payload []byte) error {
	if h.entry.client == nil || !h.entry.client.IsConnected() {
		return werrors.New(werrors.KindProtocolError, "mqttpool: no connection to %s", h.entry.broker)
	}
	token := h.entry.client.Publish(topic, qos, false, payload)
	token.Wait()
	return token.Error()
}

// waitStep is the default per-scan wait on a topic's condition, before
// re-scanning the cache (§4.H: "wait timeout (default 5s)" for the overall
// request; this is the shorter inner poll interval).
const waitStep = 500 * time.Millisecond

// WaitCorrelated subscribes to resultTopic (if not already), then blocks
// until an entry whose extracted id equals correlationID appears in the
// cache or ctx's deadline elapses, returning werrors.Timeout on expiry.
// Implements the invoke/write-ack correlated request/response pattern.
func (h *BrokerHandle) WaitCorrelated(ctx context.Context, resultTopic, correlationID string, subQos byte) ([]byte, error) {
	if err := h.Subscribe(resultTopic, subQos); err != nil {
		return nil, err
	}
	waiter := h.entry.waiterFor(resultTopic)
	for {
		if entry, ok := h.entry.findByID(resultTopic, correlationID); ok {
			return entry.Payload, nil
		}
		select {
		case <-ctx.Done():
			return nil, werrors.Wrap(werrors.KindTimeout, ctx.Err(), "timed out waiting for %s", resultTopic)
		default:
		}
		waiter.Wait(waitStep)
	}
}

// WaitSince blocks until an entry received at or after since appears on
// topic, used by the read-property request/response pattern where the
// response arrives on the observation stream rather than a dedicated reply
// topic.
func (h *BrokerHandle) WaitSince(ctx context.Context, topic string, since time.Time) ([]byte, error) {
	waiter := h.entry.waiterFor(topic)
	for {
		if entry, ok := h.entry.findSince(topic, since); ok {
			return entry.Payload, nil
		}
		select {
		case <-ctx.Done():
			return nil, werrors.Wrap(werrors.KindTimeout, ctx.Err(), "timed out waiting for %s", topic)
		default:
		}
		waiter.Wait(waitStep)
	}
}

// DedicatedSubscription is a standalone (non-pooled) connection used for
// on_property_change / on_event observation streams, so that unsubscribing
// is a clean disconnect rather than a shared-pool ref-count decrement.
type DedicatedSubscription struct {
	client pahomqtt.Client
	active bool
}

// NewDedicatedSubscription opens its own broker connection (ignoring the
// pool) and subscribes topic, invoking cb with every message payload until
// Unsubscribe is called.
func NewDedicatedSubscription(broker string, opts DialOptions, topic string, qos byte, cb func([]byte)) (*DedicatedSubscription, error) {
	entry := &brokerEntry{broker: broker, opts: opts, cache: map[string][]cacheEntry{}, seqCounters: map[string]uint64{}, topics: map[string]byte{}, waiters: map[string]*topicWaiter{}}
	client, err := entry.connect()
	if err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "dedicated mqtt connect to %s failed", broker)
	}
	ds := &DedicatedSubscription{client: client, active: true}
	token := client.Subscribe(topic, qos, func(c pahomqtt.Client, msg pahomqtt.Message) {
		if !ds.active {
			return
		}
		cb(msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	return ds, nil
}

// Unsubscribe flips the active flag and disconnects, the clean-disconnect
// contract §4.H requires for dedicated observation connections.
func (d *DedicatedSubscription) Unsubscribe() {
	d.active = false
	d.client.Disconnect(250)
}
