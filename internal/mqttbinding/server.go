package mqttbinding

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/wotgo/internal/mqttpool"
	"github.com/wostzone/wotgo/pkg/binding"
	"github.com/wostzone/wotgo/pkg/eventbus"
	"github.com/wostzone/wotgo/pkg/thing"
)

// Server is the MQTT protocol binding server: it mirrors every exposed
// Thing's properties/actions/events onto the topic scheme from §4.H,
// dispatching write/invoke requests that arrive over the broker.
type Server struct {
	servientID string
	brokerURL  string
	dialOpts   mqttpool.DialOptions
	port       int

	pool   *mqttpool.Pool
	handle *mqttpool.BrokerHandle

	mu     sync.Mutex
	things map[string]binding.ExposedThingView
	subs   map[string][]*eventbus.Subscription
}

func NewServer(servientID, brokerURL string, dialOpts mqttpool.DialOptions) *Server {
	return &Server{
		servientID: servientID,
		brokerURL:  brokerURL,
		dialOpts:   dialOpts,
		pool:       mqttpool.NewPool(),
		things:     map[string]binding.ExposedThingView{},
		subs:       map[string][]*eventbus.Subscription{},
	}
}

func (s *Server) Protocol() binding.Protocol { return binding.ProtocolMQTT }
func (s *Server) Port() int                  { return s.port }
func (s *Server) FormPort() int              { return s.port }

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil // idempotent
	}
	handle, err := s.pool.Acquire(s.brokerURL, s.dialOpts)
	if err != nil {
		return err
	}
	s.handle = handle
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
	s.subs = map[string][]*eventbus.Subscription{}
	s.handle.Release()
	s.handle = nil
	return nil
}

func (s *Server) BuildBaseURL(hostname string, t *thing.Thing) string {
	return s.brokerURL
}

// BuildForms returns the MQTT forms for one interaction, an href per verb
// naming the topic that verb uses.
func (s *Server) BuildForms(hostname string, p *thing.Pattern) []thing.Form {
	thingURL := hostname // caller passes the owning Thing's url_name as hostname for MQTT
	propURL := p.URLName
	switch p.Kind {
	case thing.KindProperty:
		observe := PropertyTopic(s.servientID, thingURL, propURL)
		write := PropertyWriteTopic(s.servientID, thingURL, propURL)
		return []thing.Form{
			{Href: "mqtt://" + observe, Op: []string{string(thing.OpReadProperty), string(thing.OpObserveProperty)}, ContentType: "application/json"},
			{Href: "mqtt://" + write, Op: []string{string(thing.OpWriteProperty)}, ContentType: "application/json"},
		}
	case thing.KindAction:
		invoke := ActionTopic(s.servientID, thingURL, propURL)
		return []thing.Form{
			{Href: "mqtt://" + invoke, Op: []string{string(thing.OpInvokeAction)}, ContentType: "application/json"},
		}
	case thing.KindEvent:
		evt := EventTopic(s.servientID, thingURL, propURL)
		return []thing.Form{
			{Href: "mqtt://" + evt, Op: []string{string(thing.OpSubscribeEvent)}, ContentType: "application/json"},
		}
	}
	return nil
}

// AddExposedThing wires every property/action/event of et onto the topic
// scheme: subscribes to write/read/invoke request topics and forwards
// PropertyChange/Custom bus events to their publish topics. Action results
// are published by the invoke-topic handler, not from bus events.
func (s *Server) AddExposedThing(et binding.ExposedThingView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	thingURL := et.URLName()
	t := et.Thing()

	for name, p := range t.Properties {
		propURL := p.Pattern.URLName
		s.wireProperty(et, thingURL, name, propURL)
	}
	for name, a := range t.Actions {
		actURL := a.Pattern.URLName
		s.wireAction(et, thingURL, name, actURL)
	}
	for name, e := range t.Events {
		evtURL := e.Pattern.URLName
		s.wireEvent(et, thingURL, name, evtURL)
	}
	s.things[et.ThingID()] = et
	return nil
}

func (s *Server) wireProperty(et binding.ExposedThingView, thingURL, name, propURL string) {
	writeTopic := PropertyWriteTopic(s.servientID, thingURL, propURL)
	ackTopic := PropertyWriteAckTopic(s.servientID, thingURL, propURL)
	readTopic := PropertyReadTopic(s.servientID, thingURL, propURL)
	observeTopic := PropertyTopic(s.servientID, thingURL, propURL)

	handle := s.handle
	handle.Subscribe(writeTopic, QoSWrite)
	handle.Subscribe(readTopic, QoSWrite)

	sub := et.Subscribe(eventbus.ByPropertyChange(name), func(ev eventbus.EmittedEvent) {
		pc := ev.(eventbus.PropertyChange)
		payload, _ := json.Marshal(map[string]interface{}{"value": pc.Value})
		handle.Publish(observeTopic, QoSPropertyPublish, payload)
	}, func() {}, func(error) {})
	s.subs[et.ThingID()] = append(s.subs[et.ThingID()], sub)

	_ = ackTopic // ack publishing happens inline where the write message is dispatched
	s.listenPropertyWrites(et, name, writeTopic, ackTopic)
	s.listenPropertyReads(et, name, readTopic, observeTopic)
}

type writeRequest struct {
	Action string      `json:"action"`
	Value  interface{} `json:"value"`
	Ack    string      `json:"ack"`
}

func (s *Server) listenPropertyWrites(et binding.ExposedThingView, name, writeTopic, ackTopic string) {
	// A poll loop on the shared pooled handle, woken by the topic's waiter,
	// keeps this server simple without needing a second connection per topic.
	go s.pollTopic(writeTopic, func(payload []byte) {
		var req writeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			logrus.Warningf("mqttbinding: malformed write request on %s: %s", writeTopic, err)
			return
		}
		err := et.WriteProperty(name, req.Value)
		ackPayload, _ := json.Marshal(map[string]interface{}{"ack": req.Ack, "error": errString(err)})
		s.handle.Publish(ackTopic, QoSWriteAckSub, ackPayload)
	})
}

func (s *Server) listenPropertyReads(et binding.ExposedThingView, name, readTopic, observeTopic string) {
	go s.pollTopic(readTopic, func(payload []byte) {
		value, err := et.ReadProperty(name)
		if err != nil {
			return
		}
		out, _ := json.Marshal(map[string]interface{}{"value": value})
		s.handle.Publish(observeTopic, QoSPropertyPublish, out)
	})
}

type invokeRequest struct {
	ID    string      `json:"id"`
	Input interface{} `json:"input"`
}

func (s *Server) wireAction(et binding.ExposedThingView, thingURL, name, actURL string) {
	invokeTopic := ActionTopic(s.servientID, thingURL, actURL)
	resultTopic := ActionResultTopic(s.servientID, thingURL, actURL)
	s.handle.Subscribe(invokeTopic, QoSInvoke)

	go s.pollTopic(invokeTopic, func(payload []byte) {
		var req invokeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			logrus.Warningf("mqttbinding: malformed invoke request on %s: %s", invokeTopic, err)
			return
		}
		go func() {
			result, err := et.InvokeAction(context.Background(), name, req.Input)
			out, _ := json.Marshal(map[string]interface{}{
				"id": req.ID, "result": result, "error": errString(err), "done": true,
			})
			s.handle.Publish(resultTopic, QoSInvokeSub, out)
		}()
	})
}

func (s *Server) wireEvent(et binding.ExposedThingView, thingURL, name, evtURL string) {
	evtTopic := EventTopic(s.servientID, thingURL, evtURL)
	sub := et.Subscribe(eventbus.ByName("Custom"), func(ev eventbus.EmittedEvent) {
		c := ev.(eventbus.Custom)
		if c.EventName != name {
			return
		}
		payload, _ := json.Marshal(map[string]interface{}{"payload": c.Payload})
		s.handle.Publish(evtTopic, QoSEvent, payload)
	}, func() {}, func(error) {})
	s.subs[et.ThingID()] = append(s.subs[et.ThingID()], sub)
}

// pollTopic is a minimal consumer loop over the pool's cache for topics the
// server itself owns (request topics it subscribed to): it waits on the
// topic waiter and drains any new cache entries to handler, bounded by the
// server's Stop. Consumption is tracked by cache-entry sequence number, not
// list length — the cache's TTL eviction trims entries off the front of
// the list on every arrival, so a length-based cursor would silently drop
// requests arriving after any gap longer than the TTL.
func (s *Server) pollTopic(topic string, handler func(payload []byte)) {
	var lastSeq uint64
	for {
		s.mu.Lock()
		handle := s.handle
		s.mu.Unlock()
		if handle == nil {
			return
		}
		var entries [][]byte
		entries, lastSeq = handle.PeekTopicSince(topic, lastSeq)
		for _, e := range entries {
			handler(e)
		}
		handle.WaitTopic(topic)
	}
}

func (s *Server) RemoveExposedThing(thingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs[thingID] {
		sub.Unsubscribe()
	}
	delete(s.subs, thingID)
	delete(s.things, thingID)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
