package servient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wotgo/pkg/binding"
	"github.com/wostzone/wotgo/pkg/thing"
)

// fakeClient is a no-op binding.Client stand-in whose configurable behavior
// is which protocol it reports and whether it supports a given interaction,
// enough to drive SelectClient's preference logic; it also records every
// SetSecurity call.
type securityCall struct {
	scheme      thing.SecurityScheme
	credentials map[string]interface{}
}

type fakeClient struct {
	proto     binding.Protocol
	supported bool

	securityCalls []securityCall
}

func (f *fakeClient) Protocol() binding.Protocol { return f.proto }
func (f *fakeClient) IsSupportedInteraction(td *thing.Thing, name string) bool {
	return f.supported
}
func (f *fakeClient) ReadProperty(ctx context.Context, td *thing.Thing, name string) (interface{}, error) {
	return nil, nil
}
func (f *fakeClient) WriteProperty(ctx context.Context, td *thing.Thing, name string, value interface{}) error {
	return nil
}
func (f *fakeClient) InvokeAction(ctx context.Context, td *thing.Thing, name string, input interface{}) (interface{}, error) {
	return nil, nil
}
func (f *fakeClient) OnPropertyChange(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (binding.Subscription, error) {
	return nil, nil
}
func (f *fakeClient) OnEvent(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (binding.Subscription, error) {
	return nil, nil
}
func (f *fakeClient) SetSecurity(scheme thing.SecurityScheme, credentials map[string]interface{}) error {
	f.securityCalls = append(f.securityCalls, securityCall{scheme: scheme, credentials: credentials})
	return nil
}
func (f *fakeClient) IsPushBased() bool { return false }

func newTestThingWithProperty(t *testing.T, name string) *thing.Thing {
	t.Helper()
	td := thing.New("lamp1", "Lamp")
	p, err := thing.NewProperty(name, thing.DataSchema{Type: "number"})
	require.NoError(t, err)
	require.NoError(t, td.AddProperty(name, p))
	return td
}

func newTestThingWithAction(t *testing.T, name string) *thing.Thing {
	t.Helper()
	td := thing.New("lamp1", "Lamp")
	a, err := thing.NewAction(name)
	require.NoError(t, err)
	require.NoError(t, td.AddAction(name, a))
	return td
}

func TestSelectClientFollowsPropertyPreference(t *testing.T) {
	s := New("localhost", CatalogueConfig{Port: 0})
	s.AddClient(&fakeClient{proto: binding.ProtocolHTTP, supported: true})
	s.AddClient(&fakeClient{proto: binding.ProtocolMQTT, supported: true})
	s.AddClient(&fakeClient{proto: binding.ProtocolCoAP, supported: true})
	s.AddClient(&fakeClient{proto: binding.ProtocolWebSocket, supported: true})

	td := newTestThingWithProperty(t, "level")
	c, err := s.SelectClient(td, "level")
	require.NoError(t, err)
	assert.Equal(t, binding.ProtocolMQTT, c.Protocol(), "property preference puts MQTT first")
}

func TestSelectClientFollowsActionPreference(t *testing.T) {
	s := New("localhost", CatalogueConfig{Port: 0})
	s.AddClient(&fakeClient{proto: binding.ProtocolMQTT, supported: true})
	s.AddClient(&fakeClient{proto: binding.ProtocolHTTP, supported: true})

	td := newTestThingWithAction(t, "toggle")
	c, err := s.SelectClient(td, "toggle")
	require.NoError(t, err)
	assert.Equal(t, binding.ProtocolHTTP, c.Protocol(), "action preference puts HTTP before MQTT")
}

func TestSelectClientSkipsUnsupportedClients(t *testing.T) {
	s := New("localhost", CatalogueConfig{Port: 0})
	s.AddClient(&fakeClient{proto: binding.ProtocolMQTT, supported: false})
	s.AddClient(&fakeClient{proto: binding.ProtocolCoAP, supported: true})

	td := newTestThingWithProperty(t, "level")
	c, err := s.SelectClient(td, "level")
	require.NoError(t, err)
	assert.Equal(t, binding.ProtocolCoAP, c.Protocol())
}

func TestSelectClientErrorsWhenNoneSupport(t *testing.T) {
	s := New("localhost", CatalogueConfig{Port: 0})
	s.AddClient(&fakeClient{proto: binding.ProtocolHTTP, supported: false})

	td := newTestThingWithProperty(t, "level")
	_, err := s.SelectClient(td, "level")
	assert.Error(t, err)
}

func newTestThingWithSecurity(t *testing.T, schemeName string) *thing.Thing {
	t.Helper()
	td := thing.New("lamp1", "Lamp")
	scheme, err := thing.SecuritySchemeFromMap(map[string]interface{}{"scheme": schemeName})
	require.NoError(t, err)
	td.SecurityDefinitions[schemeName] = scheme
	td.Security = []string{schemeName}
	return td
}

func TestAddCredentialsAppliesToAlreadyExposedThing(t *testing.T) {
	s := New("localhost", CatalogueConfig{Port: 0})
	httpClient := &fakeClient{proto: binding.ProtocolHTTP, supported: true}
	s.AddClient(httpClient)

	td := newTestThingWithSecurity(t, "basic")
	s.ExposeThing(td)

	creds := map[string]interface{}{"username": "alice", "password": "secret"}
	require.NoError(t, s.AddCredentials("Lamp", creds))

	require.Len(t, httpClient.securityCalls, 1)
	assert.Equal(t, creds, httpClient.securityCalls[0].credentials)
	assert.Equal(t, "basic", httpClient.securityCalls[0].scheme.Scheme())
	assert.Equal(t, creds, s.Credentials("Lamp"))
}

func TestAddCredentialsMergesByTitle(t *testing.T) {
	s := New("localhost", CatalogueConfig{Port: 0})
	require.NoError(t, s.AddCredentials("Lamp", map[string]interface{}{"username": "alice"}))
	require.NoError(t, s.AddCredentials("Lamp", map[string]interface{}{"password": "secret"}))

	got := s.Credentials("Lamp")
	assert.Equal(t, "alice", got["username"])
	assert.Equal(t, "secret", got["password"])
}

func TestCredentialsUnknownTitleReturnsNil(t *testing.T) {
	s := New("localhost", CatalogueConfig{Port: 0})
	assert.Nil(t, s.Credentials("no-such-thing"))
}

func TestNewConsumedThingAppliesStoredCredentials(t *testing.T) {
	s := New("localhost", CatalogueConfig{Port: 0})
	mqttClient := &fakeClient{proto: binding.ProtocolMQTT, supported: true}
	s.AddClient(mqttClient)

	creds := map[string]interface{}{"token": "abc123"}
	require.NoError(t, s.AddCredentials("Lamp", creds))
	assert.Empty(t, mqttClient.securityCalls, "no Thing known by this title yet, nothing to apply to")

	td := newTestThingWithSecurity(t, "bearer")
	s.NewConsumedThing(td)

	require.Len(t, mqttClient.securityCalls, 1)
	assert.Equal(t, creds, mqttClient.securityCalls[0].credentials)
	assert.Equal(t, "bearer", mqttClient.securityCalls[0].scheme.Scheme())
}

func TestNewConsumedThingWithoutStoredCredentialsIsNoop(t *testing.T) {
	s := New("localhost", CatalogueConfig{Port: 0})
	httpClient := &fakeClient{proto: binding.ProtocolHTTP, supported: true}
	s.AddClient(httpClient)

	td := newTestThingWithSecurity(t, "basic")
	s.NewConsumedThing(td)

	assert.Empty(t, httpClient.securityCalls)
}

func TestRefreshFormsIsIdempotent(t *testing.T) {
	s := New("localhost", CatalogueConfig{Port: 0})
	td := newTestThingWithProperty(t, "level")
	et := s.ExposeThing(td)

	s.AddServer(&fakeServer{proto: binding.ProtocolHTTP})
	s.RefreshForms()
	first := et.Thing().Properties["level"].Pattern.AllForms()
	s.RefreshForms()
	second := et.Thing().Properties["level"].Pattern.AllForms()

	require.Len(t, first, len(second))
	for i := range first {
		assert.Equal(t, first[i].Identity(), second[i].Identity())
	}
}

// fakeServer is a binding.Server stand-in that only generates forms; its
// Start/Stop/AddExposedThing/RemoveExposedThing are no-ops since
// RefreshForms never starts the servient.
type fakeServer struct {
	proto binding.Protocol
}

func (f *fakeServer) Protocol() binding.Protocol { return f.proto }
func (f *fakeServer) Port() int                  { return 0 }
func (f *fakeServer) FormPort() int              { return 0 }
func (f *fakeServer) Start(ctx context.Context) error { return nil }
func (f *fakeServer) Stop(ctx context.Context) error  { return nil }
func (f *fakeServer) BuildBaseURL(hostname string, t *thing.Thing) string {
	return "http://" + hostname + "/" + t.URLName
}
func (f *fakeServer) BuildForms(base string, p *thing.Pattern) []thing.Form {
	return []thing.Form{{Href: base + "/" + p.URLName, Op: []string{string(thing.OpReadProperty)}}}
}
func (f *fakeServer) AddExposedThing(et binding.ExposedThingView) error { return nil }
func (f *fakeServer) RemoveExposedThing(thingID string)                {}
