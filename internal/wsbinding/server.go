package wsbinding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wostzone/wotgo/pkg/auth"
	"github.com/wostzone/wotgo/pkg/binding"
	"github.com/wostzone/wotgo/pkg/eventbus"
	"github.com/wostzone/wotgo/pkg/thing"
)

type Server struct {
	port          int
	authenticator auth.Authenticator
	upgrader      websocket.Upgrader

	mu     sync.Mutex
	router *mux.Router
	http   *http.Server
	things map[string]binding.ExposedThingView // keyed by URLName
}

func NewServer(port int, authenticator auth.Authenticator) *Server {
	if authenticator == nil {
		authenticator = auth.NoSecAuthenticator{}
	}
	return &Server{
		port:          port,
		authenticator: authenticator,
		upgrader:      websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		things:        map[string]binding.ExposedThingView{},
	}
}

func (s *Server) Protocol() binding.Protocol { return binding.ProtocolWebSocket }
func (s *Server) Port() int                  { return s.port }
func (s *Server) FormPort() int              { return s.port }

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return nil
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/{thing}", s.handleUpgrade)
	s.http = &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: s.router}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("wsbinding: ListenAndServe: %s", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) BuildBaseURL(hostname string, t *thing.Thing) string {
	return fmt.Sprintf("ws://%s:%d/%s", hostname, s.port, t.URLName)
}

// BuildForms returns one form per pattern pointing at the Thing's single
// socket endpoint; every verb the client needs is available over the one
// connection (§4.I), so the op list carries the full verb set for the kind.
func (s *Server) BuildForms(base string, p *thing.Pattern) []thing.Form {
	var ops []string
	switch p.Kind {
	case thing.KindProperty:
		ops = []string{string(thing.OpReadProperty), string(thing.OpWriteProperty), string(thing.OpObserveProperty)}
	case thing.KindAction:
		ops = []string{string(thing.OpInvokeAction)}
	case thing.KindEvent:
		ops = []string{string(thing.OpSubscribeEvent)}
	default:
		return nil
	}
	return []thing.Form{{Href: base, Op: ops, ContentType: "application/json", Subprotocol: "jsonrpc-2.0"}}
}

func (s *Server) AddExposedThing(et binding.ExposedThingView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.things[et.URLName()] = et
	return nil
}

func (s *Server) RemoveExposedThing(thingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for urlName, et := range s.things {
		if et.ThingID() == thingID {
			delete(s.things, urlName)
		}
	}
}

func (s *Server) lookupThing(urlName string) (binding.ExposedThingView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	et, ok := s.things[urlName]
	return et, ok
}

type wsAuthRequest struct {
	r *http.Request
	w http.ResponseWriter
}

func (a wsAuthRequest) Get(field string) string { return a.r.Header.Get(field) }
func (a wsAuthRequest) Set(field, value string)  { a.w.Header().Set(field, value) }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	urlName := mux.Vars(r)["thing"]
	et, ok := s.lookupThing(urlName)
	if !ok {
		http.Error(w, "thing not found", http.StatusNotFound)
		return
	}
	req := wsAuthRequest{r: r, w: w}
	authOK, err := s.authenticator.Authenticate(r.Context(), req)
	if err != nil || !authOK {
		s.authenticator.Challenge(req)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("wsbinding: upgrade failed: %s", err)
		return
	}
	session := newSession(conn, et)
	session.run()
}

// session owns one socket connection: its subscription table and the write
// lock gorilla/websocket requires (one writer at a time).
type session struct {
	conn   *websocket.Conn
	et     binding.ExposedThingView
	writeMu sync.Mutex

	nextID int32
	mu     sync.Mutex
	subs   map[int]*eventbus.Subscription
}

func newSession(conn *websocket.Conn, et binding.ExposedThingView) *session {
	return &session{conn: conn, et: et, subs: map[int]*eventbus.Subscription{}}
}

func (sess *session) run() {
	defer sess.closeAll()
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			sess.send(errResponse(nil, errCodeBadParams, "malformed request"))
			continue
		}
		go sess.dispatch(req)
	}
}

func (sess *session) closeAll() {
	sess.mu.Lock()
	subs := sess.subs
	sess.subs = map[int]*eventbus.Subscription{}
	sess.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	_ = sess.conn.Close()
}

func (sess *session) send(v interface{}) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.WriteJSON(v)
}

func (sess *session) dispatch(req Request) {
	switch req.Method {
	case MethodReadProperty:
		value, err := sess.et.ReadProperty(req.Params.Name)
		if err != nil {
			sess.send(errResponse(req.ID, errCodeInternal, err.Error()))
			return
		}
		sess.send(okResponse(req.ID, map[string]interface{}{"value": value}))
	case MethodWriteProperty:
		if err := sess.et.WriteProperty(req.Params.Name, req.Params.Value); err != nil {
			sess.send(errResponse(req.ID, errCodeInternal, err.Error()))
			return
		}
		sess.send(okResponse(req.ID, map[string]interface{}{"value": req.Params.Value}))
	case MethodObserveProperty:
		sess.subscribe(req, notificationPropertyChange, eventbus.ByPropertyChange(req.Params.Name), func(ev eventbus.EmittedEvent) interface{} {
			return ev.(eventbus.PropertyChange).Value
		})
	case MethodUnobserveProperty, MethodUnsubscribeEvent:
		sess.unsubscribe(req)
	case MethodInvokeAction:
		result, err := sess.et.InvokeAction(context.Background(), req.Params.Name, req.Params.Input)
		if err != nil {
			sess.send(errResponse(req.ID, errCodeInternal, err.Error()))
			return
		}
		sess.send(okResponse(req.ID, map[string]interface{}{"result": result}))
	case MethodSubscribeEvent:
		name := req.Params.Name
		sess.subscribe(req, notificationEvent, eventbus.ByName("Custom"), func(ev eventbus.EmittedEvent) interface{} {
			c := ev.(eventbus.Custom)
			if c.EventName != name {
				return nil
			}
			return c.Payload
		})
	default:
		sess.send(errResponse(req.ID, errCodeNotFound, "unknown method "+req.Method))
	}
}

func (sess *session) subscribe(req Request, method string, filter eventbus.Filter, extract func(eventbus.EmittedEvent) interface{}) {
	id := int(atomic.AddInt32(&sess.nextID, 1))
	sub := sess.et.Subscribe(filter, func(ev eventbus.EmittedEvent) {
		data := extract(ev)
		if data == nil && method == notificationEvent {
			return
		}
		sess.send(Notification{JSONRPC: "2.0", Method: method, Params: NotificationParams{
			Subscription: id, Name: req.Params.Name, Data: data,
		}})
	}, func() {}, func(error) {})

	sess.mu.Lock()
	sess.subs[id] = sub
	sess.mu.Unlock()

	sess.send(okResponse(req.ID, map[string]interface{}{"subscription": id}))
}

func (sess *session) unsubscribe(req Request) {
	sess.mu.Lock()
	sub, ok := sess.subs[req.Params.Subscription]
	delete(sess.subs, req.Params.Subscription)
	sess.mu.Unlock()
	if !ok {
		sess.send(errResponse(req.ID, errCodeNotFound, "unknown subscription"))
		return
	}
	sub.Unsubscribe()
	sess.send(okResponse(req.ID, map[string]interface{}{"unsubscribed": true}))
}
