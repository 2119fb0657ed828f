// Package httpbinding implements the HTTP protocol binding (§4.F): a route
// table per Thing mirroring the CRUD + long-poll verbs, and a client that
// mirrors the same routes with PUT/GET/POST. Grounded on the teacher's
// pkg/tlsserver/TLSServer.go for the mux.Router/http.Server shape; TLS is
// optional via EnableTLS, fed by pkg/certsetup-generated certificates.
package httpbinding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/wotgo/pkg/auth"
	"github.com/wostzone/wotgo/pkg/binding"
	"github.com/wostzone/wotgo/pkg/eventbus"
	"github.com/wostzone/wotgo/pkg/thing"
	"github.com/wostzone/wotgo/pkg/werrors"
)

// DefaultInvocationTTL is the action invocation pending-time bound (§4.F):
// it is the deadline of the context each invoke handler runs under. No
// record of pending invocations is kept.
const DefaultInvocationTTL = 300 * time.Second

// DefaultLongPollTimeout bounds how long a subscription GET waits for the
// first update/emission before returning 504.
const DefaultLongPollTimeout = 30 * time.Second

type Server struct {
	port          int
	authenticator auth.Authenticator
	invocationTTL time.Duration
	certFile      string
	keyFile       string

	mu     sync.Mutex
	router *mux.Router
	http   *http.Server
	things map[string]binding.ExposedThingView // keyed by URLName
	subs   map[string][]*eventbus.Subscription
}

// EnableTLS switches Start to ListenAndServeTLS using the given certificate
// and key files (see pkg/certsetup.CreateCertificateBundle for generating a
// self-signed pair). Must be called before Start.
func (s *Server) EnableTLS(certFile, keyFile string) {
	s.certFile = certFile
	s.keyFile = keyFile
}

func NewServer(port int, authenticator auth.Authenticator) *Server {
	if authenticator == nil {
		authenticator = auth.NoSecAuthenticator{}
	}
	return &Server{
		port:          port,
		authenticator: authenticator,
		invocationTTL: DefaultInvocationTTL,
		things:        map[string]binding.ExposedThingView{},
		subs:          map[string][]*eventbus.Subscription{},
	}
}

func (s *Server) Protocol() binding.Protocol { return binding.ProtocolHTTP }
func (s *Server) Port() int                  { return s.port }
func (s *Server) FormPort() int              { return s.port }

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return nil
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/{thing}/property/{name}/subscription", s.handlePropertySubscription).Methods(http.MethodGet)
	s.router.HandleFunc("/{thing}/property/{name}", s.handlePropertyGet).Methods(http.MethodGet)
	s.router.HandleFunc("/{thing}/property/{name}", s.handlePropertyPut).Methods(http.MethodPut)
	s.router.HandleFunc("/{thing}/action/{name}", s.handleActionInvoke).Methods(http.MethodPost)
	s.router.HandleFunc("/{thing}/event/{name}/subscription", s.handleEventSubscription).Methods(http.MethodGet)

	s.http = &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: s.router}
	if s.certFile != "" && s.keyFile != "" {
		go func() {
			if err := s.http.ListenAndServeTLS(s.certFile, s.keyFile); err != nil && err != http.ErrServerClosed {
				logrus.Errorf("httpbinding: ListenAndServeTLS: %s", err)
			}
		}()
	} else {
		go func() {
			if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Errorf("httpbinding: ListenAndServe: %s", err)
			}
		}()
	}
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
	scheme := "http"
	if s.certFile != "" && s.keyFile != "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/%s", scheme, hostname, s.port, t.URLName)
}

// BuildForms receives base (the thing-scoped base URL, per servient's
// rebuildFormsFor) and appends the §4.F route suffix for pattern's kind.
func (s *Server) BuildForms(base string, p *thing.Pattern) []thing.Form {
	switch p.Kind {
	case thing.KindProperty:
		href := base + "/property/" + p.URLName
		return []thing.Form{
			{Href: href, Op: []string{string(thing.OpReadProperty), string(thing.OpWriteProperty)}, ContentType: "application/json"},
			{Href: href + "/subscription", Op: []string{string(thing.OpObserveProperty)}, ContentType: "application/json"},
		}
	case thing.KindAction:
		href := base + "/action/" + p.URLName
		return []thing.Form{
			{Href: href, Op: []string{string(thing.OpInvokeAction)}, ContentType: "application/json"},
		}
	case thing.KindEvent:
		href := base + "/event/" + p.URLName + "/subscription"
		return []thing.Form{
			{Href: href, Op: []string{string(thing.OpSubscribeEvent)}, ContentType: "application/json"},
		}
	}
	return nil
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
	for _, sub := range s.subs[thingID] {
		sub.Unsubscribe()
	}
	delete(s.subs, thingID)
}

func (s *Server) lookupThing(urlName string) (binding.ExposedThingView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	et, ok := s.things[urlName]
	return et, ok
}

// checkAuth invokes the configured authenticator against the request; on
// failure it writes the scheme-appropriate challenge response and returns
// false, meaning the caller must not invoke the interaction handler (§4.M).
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	req := httpAuthRequest{r: r, w: w}
	ok, err := s.authenticator.Authenticate(r.Context(), req)
	if err != nil || !ok {
		s.authenticator.Challenge(req)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// httpAuthRequest reads auth fields off the inbound request and writes
// challenge fields (e.g. WWW-Authenticate) to the outbound response.
type httpAuthRequest struct {
	r *http.Request
	w http.ResponseWriter
}

func (h httpAuthRequest) Get(field string) string { return h.r.Header.Get(field) }
func (h httpAuthRequest) Set(field, value string)  { h.w.Header().Set(field, value) }

func (s *Server) handlePropertyGet(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	vars := mux.Vars(r)
	et, ok := s.lookupThing(vars["thing"])
	if !ok {
		http.Error(w, "thing not found", http.StatusNotFound)
		return
	}
	value, err := et.ReadProperty(vars["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"value": value})
}

func (s *Server) handlePropertyPut(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	vars := mux.Vars(r)
	et, ok := s.lookupThing(vars["thing"])
	if !ok {
		http.Error(w, "thing not found", http.StatusNotFound)
		return
	}
	value, err := decodeValueBody(r)
	if err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := et.WriteProperty(vars["name"], value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"value": value})
}

// handlePropertySubscription implements the long-poll contract: subscribe,
// await the first PropertyChange, dispose, return {"value": v}.
func (s *Server) handlePropertySubscription(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	vars := mux.Vars(r)
	et, ok := s.lookupThing(vars["thing"])
	if !ok {
		http.Error(w, "thing not found", http.StatusNotFound)
		return
	}
	name := vars["name"]
	type result struct {
		value interface{}
		err   error
	}
	done := make(chan result, 1)
	sub := et.Subscribe(eventbus.ByPropertyChange(name), func(ev eventbus.EmittedEvent) {
		pc := ev.(eventbus.PropertyChange)
		select {
		case done <- result{value: pc.Value}:
		default:
		}
	}, func() {}, func(err error) {
		select {
		case done <- result{err: err}:
		default:
		}
	})
	defer sub.Unsubscribe()

	select {
	case res := <-done:
		if res.err != nil {
			writeError(w, res.err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"value": res.value})
	case <-r.Context().Done():
	case <-time.After(DefaultLongPollTimeout):
		http.Error(w, "timeout", http.StatusGatewayTimeout)
	}
}

func (s *Server) handleEventSubscription(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	vars := mux.Vars(r)
	et, ok := s.lookupThing(vars["thing"])
	if !ok {
		http.Error(w, "thing not found", http.StatusNotFound)
		return
	}
	name := vars["name"]
	done := make(chan interface{}, 1)
	sub := et.Subscribe(eventbus.ByName("Custom"), func(ev eventbus.EmittedEvent) {
		c := ev.(eventbus.Custom)
		if c.EventName != name {
			return
		}
		select {
		case done <- c.Payload:
		default:
		}
	}, func() {}, func(error) {})
	defer sub.Unsubscribe()

	select {
	case payload := <-done:
		writeJSON(w, http.StatusOK, map[string]interface{}{"payload": payload})
	case <-r.Context().Done():
	case <-time.After(DefaultLongPollTimeout):
		http.Error(w, "timeout", http.StatusGatewayTimeout)
	}
}

func (s *Server) handleActionInvoke(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	vars := mux.Vars(r)
	et, ok := s.lookupThing(vars["thing"])
	if !ok {
		http.Error(w, "thing not found", http.StatusNotFound)
		return
	}
	var body struct {
		Input interface{} `json:"input"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	ctx, cancel := context.WithTimeout(r.Context(), s.invocationTTL)
	defer cancel()
	result, err := et.InvokeAction(ctx, vars["name"], body.Input)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

// decodeValueBody accepts either {"value": v} or a raw JSON value as the
// PUT body (§4.F: "body {"value": v} or raw value").
func decodeValueBody(r *http.Request) (interface{}, error) {
	var raw interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, werrors.New(werrors.KindProtocolError, "malformed body")
	}
	if m, ok := raw.(map[string]interface{}); ok {
		if v, has := m["value"]; has {
			return v, nil
		}
	}
	return raw, nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch werrors.KindOf(err) {
	case werrors.KindNotSupported:
		status = http.StatusNotFound
	case werrors.KindUnauthorized:
		status = http.StatusUnauthorized
	case werrors.KindTimeout:
		status = http.StatusGatewayTimeout
	case werrors.KindHandlerError, werrors.KindStateError, werrors.KindProtocolError:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
