package servient

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/wotgo/pkg/binding"
	"github.com/wostzone/wotgo/pkg/consumedthing"
	"github.com/wostzone/wotgo/pkg/exposedthing"
	"github.com/wostzone/wotgo/pkg/thing"
	"github.com/wostzone/wotgo/pkg/werrors"
)

// clientOrder is the fixed protocol order, independent of the order in which
// clients are added, used as the deterministic select_client tie-break
// when the verb-type preference list has no overlap with the supported
// set (§4.D, §9 Open Questions decision 3).
var clientOrder = []binding.Protocol{
	binding.ProtocolHTTP, binding.ProtocolCoAP, binding.ProtocolMQTT, binding.ProtocolWebSocket,
}

// preference lists per interaction kind (§4.D).
var propertyPreference = []binding.Protocol{binding.ProtocolMQTT, binding.ProtocolHTTP, binding.ProtocolCoAP, binding.ProtocolWebSocket}
var actionPreference = []binding.Protocol{binding.ProtocolHTTP, binding.ProtocolWebSocket, binding.ProtocolMQTT, binding.ProtocolCoAP}
var eventPreference = []binding.Protocol{binding.ProtocolWebSocket, binding.ProtocolMQTT, binding.ProtocolCoAP, binding.ProtocolHTTP}

type state int

const (
	stateConfigurable state = iota
	stateRunning
	stateStopped
)

// Servient drives the lifecycle of every protocol binding server/client and
// the catalogue HTTP server, grounded on wotpy's wot/servient.py (start/
// shutdown ordering, enable/disable_exposed_thing, select_client policy).
type Servient struct {
	mu sync.Mutex

	hostname string
	state    state

	servers map[binding.Protocol]binding.Server
	clients map[binding.Protocol]binding.Client

	things    map[string]*exposedthing.ExposedThing
	exposedOn map[string]map[binding.Protocol]bool // thingID -> set of servers it's added to

	writer       Writer
	catalogue    *Catalogue
	catalogueCfg CatalogueConfig

	credentials *CredentialStore
}

type CatalogueConfig struct {
	Port int
}

func New(hostname string, catalogueCfg CatalogueConfig) *Servient {
	return &Servient{
		hostname:     hostname,
		servers:      map[binding.Protocol]binding.Server{},
		clients:      map[binding.Protocol]binding.Client{},
		things:       map[string]*exposedthing.ExposedThing{},
		exposedOn:    map[string]map[binding.Protocol]bool{},
		writer:       NopWriter{},
		catalogueCfg: catalogueCfg,
		credentials:  newCredentialStore(),
	}
}

// SetCredentialsFile switches the credential store to a JSON file at path,
// loading any credentials an earlier run (or another process sharing this
// home folder) already persisted there. Call before AddCredentials; the
// zero-value Servient keeps an in-memory-only store.
func (s *Servient) SetCredentialsFile(path string) error {
	store, err := loadCredentialStore(path)
	if err != nil {
		return werrors.Wrap(werrors.KindStateError, err, "failed loading credential store %q", path)
	}
	s.mu.Lock()
	s.credentials = store
	s.mu.Unlock()
	return nil
}

// AddCredentials merges credentials into the store under thingTitle (§3
// Servient fields, §5 Shared Resources: Credential store). Any client
// already registered is immediately offered the new credentials via
// applyStoredCredentials so a Thing consumed before this call picks them up
// without having to be re-consumed.
func (s *Servient) AddCredentials(thingTitle string, credentials map[string]interface{}) error {
	s.mu.Lock()
	store := s.credentials
	s.mu.Unlock()

	if err := store.Add(thingTitle, credentials); err != nil {
		return werrors.Wrap(werrors.KindStateError, err, "failed storing credentials for %q", thingTitle)
	}
	for _, td := range s.knownThingsByTitle(thingTitle) {
		s.applyStoredCredentials(td)
	}
	return nil
}

// Credentials returns a snapshot of the credentials stored for thingTitle,
// or nil if AddCredentials was never called for it.
func (s *Servient) Credentials(thingTitle string) map[string]interface{} {
	s.mu.Lock()
	store := s.credentials
	s.mu.Unlock()
	return store.Snapshot(thingTitle)
}

// knownThingsByTitle returns the TDs of every ExposedThing this servient
// hosts whose title matches — the only Things this servient has a registry
// of besides whichever ConsumedThing a caller builds on demand.
func (s *Servient) knownThingsByTitle(title string) []*thing.Thing {
	var out []*thing.Thing
	for _, et := range s.thingList() {
		if et.Thing().Title == title {
			out = append(out, et.Thing())
		}
	}
	return out
}

// applyStoredCredentials installs td's primary security scheme and any
// stored credentials for td.Title on every registered client, so their
// outbound requests toward td are signed (§5 Shared Resources: Credential
// store; Client contract's set_security).
func (s *Servient) applyStoredCredentials(td *thing.Thing) {
	creds := s.Credentials(td.Title)
	if creds == nil {
		return
	}
	scheme := primarySecurityScheme(td)
	if scheme == nil {
		return
	}
	for _, c := range s.clientList() {
		if err := c.SetSecurity(scheme, creds); err != nil {
			logrus.Warnf("servient: SetSecurity(%s) for thing %q failed: %s", c.Protocol(), td.Title, err)
		}
	}
}

// primarySecurityScheme resolves td's first declared security scheme name
// to its definition, or nil if td declares none.
func primarySecurityScheme(td *thing.Thing) thing.SecurityScheme {
	for _, name := range td.Security {
		if scheme, ok := td.SecurityDefinitions[name]; ok {
			return scheme
		}
	}
	return nil
}

// AddServer registers a protocol binding server. Must be called before Start.
func (s *Servient) AddServer(srv binding.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[srv.Protocol()] = srv
}

// AddClient registers a protocol binding client in the fixed clientOrder
// position regardless of call order (the map lookup is by key; clientOrder
// governs iteration, not insertion).
func (s *Servient) AddClient(c binding.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.Protocol()] = c
}

// SetPersistence installs the Writer used by every ExposedThing added from
// this point on; NopWriter is the default when never called (§1 non-goal:
// no concrete database client is wired).
func (s *Servient) SetPersistence(w Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = w
}

// ExposeThing wraps t in an ExposedThing, registers the persistence writer
// and returns it; the caller still must call EnableExposedThing to make it
// routable on any server.
func (s *Servient) ExposeThing(t *thing.Thing) *exposedthing.ExposedThing {
	s.mu.Lock()
	defer s.mu.Unlock()
	et := exposedthing.New(t)
	et.SetPersistence(s.writer, t.URLName)
	s.things[t.ID] = et
	s.exposedOn[t.ID] = map[binding.Protocol]bool{}
	return et
}

// Start runs the lifecycle in order: (1) persistence is already configured
// via SetPersistence, (2) regenerate forms for every exposed Thing on every
// server, (3) start each server, (4) bind the catalogue HTTP app.
func (s *Servient) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.refreshAllForms()

	for _, srv := range s.serverList() {
		if err := srv.Start(ctx); err != nil {
			return werrors.Wrap(werrors.KindProtocolError, err, "server %s failed to start", srv.Protocol())
		}
	}

	for _, et := range s.thingList() {
		for _, srv := range s.serverList() {
			if err := srv.AddExposedThing(et); err != nil {
				logrus.Warnf("servient: AddExposedThing(%s) on %s failed: %s", et.ThingID(), srv.Protocol(), err)
				continue
			}
			s.markExposedOn(et.ThingID(), srv.Protocol())
		}
	}

	cat := NewCatalogue(s, s.catalogueCfg.Port)
	if err := cat.Start(ctx); err != nil {
		return werrors.Wrap(werrors.KindProtocolError, err, "catalogue server failed to start")
	}

	s.mu.Lock()
	s.catalogue = cat
	s.state = stateRunning
	s.mu.Unlock()
	return nil
}

// Shutdown runs the lifecycle in reverse order: catalogue stops, then every
// server stops concurrently but is awaited before returning.
func (s *Servient) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return nil
	}
	cat := s.catalogue
	s.state = stateStopped
	s.mu.Unlock()

	if cat != nil {
		if err := cat.Stop(ctx); err != nil {
			logrus.Warnf("servient: catalogue stop error: %s", err)
		}
	}

	var wg sync.WaitGroup
	for _, srv := range s.serverList() {
		wg.Add(1)
		go func(srv binding.Server) {
			defer wg.Done()
			if err := srv.Stop(ctx); err != nil {
				logrus.Warnf("servient: server %s stop error: %s", srv.Protocol(), err)
			}
		}(srv)
	}
	wg.Wait()
	return nil
}

// EnableExposedThing adds thingID to every registered server and
// regenerates that server's forms for it.
func (s *Servient) EnableExposedThing(ctx context.Context, thingID string) error {
	et, ok := s.lookupThing(thingID)
	if !ok {
		return werrors.New(werrors.KindNotSupported, "unknown thing %q", thingID)
	}
	for _, srv := range s.serverList() {
		s.rebuildFormsFor(srv, et)
		if err := srv.AddExposedThing(et); err != nil {
			return err
		}
		s.markExposedOn(thingID, srv.Protocol())
	}
	et.Expose()
	return nil
}

// DisableExposedThing removes thingID from every registered server and
// clears the Thing's generated forms; no forms are regenerated.
func (s *Servient) DisableExposedThing(ctx context.Context, thingID string) error {
	et, ok := s.lookupThing(thingID)
	if !ok {
		return werrors.New(werrors.KindNotSupported, "unknown thing %q", thingID)
	}
	for _, srv := range s.serverList() {
		srv.RemoveExposedThing(thingID)
	}
	et.ClearGeneratedForms()
	et.Destroy()
	s.mu.Lock()
	s.exposedOn[thingID] = map[binding.Protocol]bool{}
	s.mu.Unlock()
	return nil
}

// RefreshForms is idempotent: it clears every auto-generated form (TD-
// declared forms are preserved) then rebuilds them per server, so repeated
// calls converge to the same Form set (§4.J, §8 testable property).
func (s *Servient) RefreshForms() {
	s.refreshAllForms()
}

func (s *Servient) refreshAllForms() {
	for _, et := range s.thingList() {
		et.ClearGeneratedForms()
		for _, srv := range s.serverList() {
			s.rebuildFormsFor(srv, et)
		}
	}
}

func (s *Servient) rebuildFormsFor(srv binding.Server, et *exposedthing.ExposedThing) {
	host := s.hostname
	if srv.Protocol() == binding.ProtocolMQTT {
		// the MQTT binding builds topic names, not URLs, off its hostname
		// argument, so it is passed the owning Thing's url name instead.
		host = et.Thing().URLName
	} else {
		// other bindings build hrefs by appending to a thing-scoped base URL
		host = srv.BuildBaseURL(s.hostname, et.Thing())
	}
	for _, p := range et.Thing().AllPatterns() {
		forms := srv.BuildForms(host, p)
		p.ReplaceGeneratedForms(forms)
	}
}

// SelectClient implements the consumedthing.ClientSelector policy described
// in §4.D: among clients supporting the interaction, pick by verb-type
// preference order; if none of the preferred protocols support it, pick any
// supporting client in the fixed clientOrder; error if none support it.
func (s *Servient) SelectClient(td *thing.Thing, name string) (binding.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	supported := map[binding.Protocol]binding.Client{}
	for proto, c := range s.clients {
		if c.IsSupportedInteraction(td, name) {
			supported[proto] = c
		}
	}
	if len(supported) == 0 {
		return nil, werrors.New(werrors.KindNotSupported, "no client supports interaction %q", name)
	}

	pref := preferenceFor(td, name)
	for _, proto := range pref {
		if c, ok := supported[proto]; ok {
			return c, nil
		}
	}
	for _, proto := range clientOrder {
		if c, ok := supported[proto]; ok {
			return c, nil
		}
	}
	// unreachable given clientOrder covers every known protocol, but guard
	// against a client registered under an unlisted protocol value.
	for _, c := range supported {
		return c, nil
	}
	return nil, werrors.New(werrors.KindNotSupported, "no client supports interaction %q", name)
}

func preferenceFor(td *thing.Thing, name string) []binding.Protocol {
	if _, ok := td.GetProperty(name); ok {
		return propertyPreference
	}
	if _, ok := td.GetAction(name); ok {
		return actionPreference
	}
	return eventPreference
}

// NewConsumedThing builds a ConsumedThing proxy for td using this servient
// as the client selector. If credentials were previously registered for
// td.Title via AddCredentials, every registered client's security is set
// from them before the proxy is returned.
func (s *Servient) NewConsumedThing(td *thing.Thing) *consumedthing.ConsumedThing {
	s.applyStoredCredentials(td)
	return consumedthing.New(td, s, binding.DefaultSoftTimeout)
}

func (s *Servient) lookupThing(thingID string) (*exposedthing.ExposedThing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	et, ok := s.things[thingID]
	return et, ok
}

func (s *Servient) thingList() []*exposedthing.ExposedThing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*exposedthing.ExposedThing, 0, len(s.things))
	for _, et := range s.things {
		out = append(out, et)
	}
	return out
}

func (s *Servient) clientList() []binding.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]binding.Client, 0, len(s.clients))
	for _, proto := range clientOrder {
		if c, ok := s.clients[proto]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Servient) serverList() []binding.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]binding.Server, 0, len(s.servers))
	for _, proto := range clientOrder {
		if srv, ok := s.servers[proto]; ok {
			out = append(out, srv)
		}
	}
	return out
}

func (s *Servient) markExposedOn(thingID string, proto binding.Protocol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exposedOn[thingID] == nil {
		s.exposedOn[thingID] = map[binding.Protocol]bool{}
	}
	s.exposedOn[thingID][proto] = true
}

// EnabledThings returns every currently-exposed Thing, for the catalogue
// server's index route.
func (s *Servient) EnabledThings() []*exposedthing.ExposedThing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*exposedthing.ExposedThing, 0, len(s.things))
	for _, et := range s.things {
		if et.IsExposed() {
			out = append(out, et)
		}
	}
	return out
}

// FindByURLName looks up an exposed Thing by its URL-safe name, as used by
// the catalogue server's GET /<thing-url-name> route.
func (s *Servient) FindByURLName(urlName string) (*exposedthing.ExposedThing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, et := range s.things {
		if et.URLName() == urlName && et.IsExposed() {
			return et, true
		}
	}
	return nil, false
}

func (s *Servient) String() string {
	return fmt.Sprintf("servient(%s, %d servers, %d clients)", s.hostname, len(s.servers), len(s.clients))
}
