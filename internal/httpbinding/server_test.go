package httpbinding

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wotgo/pkg/eventbus"
	"github.com/wostzone/wotgo/pkg/thing"
)

// mockExposedThing is a minimal binding.ExposedThingView backed by an
// in-memory map and an eventbus.Subject, enough to drive the HTTP routes
// without pulling in pkg/exposedthing.
type mockExposedThing struct {
	id, urlName string
	td          *thing.Thing
	props       map[string]interface{}
	bus         *eventbus.Subject
}

func newMockExposedThing(id string) *mockExposedThing {
	return &mockExposedThing{
		id: id, urlName: id,
		td:    &thing.Thing{ID: id, URLName: id},
		props: map[string]interface{}{},
		bus:   eventbus.NewSubject(),
	}
}

func (m *mockExposedThing) ThingID() string    { return m.id }
func (m *mockExposedThing) URLName() string    { return m.urlName }
func (m *mockExposedThing) Thing() *thing.Thing { return m.td }

func (m *mockExposedThing) ReadProperty(name string) (interface{}, error) {
	return m.props[name], nil
}

func (m *mockExposedThing) WriteProperty(name string, value interface{}) error {
	m.props[name] = value
	m.bus.Emit(eventbus.NewPropertyChange(name, value))
	return nil
}

func (m *mockExposedThing) InvokeAction(ctx context.Context, name string, input interface{}) (interface{}, error) {
	return map[string]interface{}{"echo": input}, nil
}

func (m *mockExposedThing) Subscribe(filter eventbus.Filter, next func(eventbus.EmittedEvent), complete func(), onError func(error)) *eventbus.Subscription {
	return m.bus.Subscribe(filter, next, complete, onError)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *mockExposedThing) {
	t.Helper()
	s := NewServer(0, nil)
	s.router = newRouter(s)
	et := newMockExposedThing("lamp1")
	require.NoError(t, s.AddExposedThing(et))
	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)
	return s, ts, et
}

// newRouter duplicates the route table Start builds, so tests can drive it
// through httptest.NewServer without binding a real port.
func newRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/{thing}/property/{name}/subscription", s.handlePropertySubscription).Methods("GET")
	r.HandleFunc("/{thing}/property/{name}", s.handlePropertyGet).Methods("GET")
	r.HandleFunc("/{thing}/property/{name}", s.handlePropertyPut).Methods("PUT")
	r.HandleFunc("/{thing}/action/{name}", s.handleActionInvoke).Methods("POST")
	r.HandleFunc("/{thing}/event/{name}/subscription", s.handleEventSubscription).Methods("GET")
	return r
}

func TestPropertyReadWrite(t *testing.T) {
	_, ts, et := newTestServer(t)
	et.props["level"] = 5.0

	resp, err := ts.Client().Get(ts.URL + "/lamp1/property/level")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 5.0, body["value"])

	putReq, err := http.NewRequest(http.MethodPut, ts.URL+"/lamp1/property/level", bytes.NewBufferString(`{"value": 9}`))
	require.NoError(t, err)
	putResp, err := ts.Client().Do(putReq)
	require.NoError(t, err)
	defer putResp.Body.Close()
	assert.Equal(t, 200, putResp.StatusCode)
	assert.Equal(t, 9.0, et.props["level"])
}

func TestActionInvoke(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, err := ts.Client().Post(ts.URL+"/lamp1/action/toggle", "application/json", bytes.NewBufferString(`{"input": true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	result, ok := body["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, result["echo"])
}

func TestPropertySubscriptionLongPoll(t *testing.T) {
	_, ts, et := newTestServer(t)

	type getResult struct {
		body map[string]interface{}
		err  error
	}
	resultCh := make(chan getResult, 1)
	go func() {
		resp, err := ts.Client().Get(ts.URL + "/lamp1/property/level/subscription")
		if err != nil {
			resultCh <- getResult{err: err}
			return
		}
		defer resp.Body.Close()
		var body map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resultCh <- getResult{body: body}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, et.WriteProperty("level", 42.0))

	select {
	case r := <-resultCh:
		require.NoError(t, r.err)
		assert.Equal(t, 42.0, r.body["value"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for long-poll response")
	}
}

func TestBuildBaseURLSchemeTracksTLS(t *testing.T) {
	s := NewServer(8443, nil)
	td := &thing.Thing{URLName: "lamp1"}
	assert.Equal(t, "http://things.local:8443/lamp1", s.BuildBaseURL("things.local", td))
	s.EnableTLS("cert.pem", "key.pem")
	assert.Equal(t, "https://things.local:8443/lamp1", s.BuildBaseURL("things.local", td))
}

func TestBuildFormsPerKind(t *testing.T) {
	s := NewServer(8443, nil)
	propForms := s.BuildForms("http://h/lamp1", &thing.Pattern{Kind: thing.KindProperty, URLName: "level"})
	require.Len(t, propForms, 2)
	assert.Contains(t, propForms[0].Op, string(thing.OpReadProperty))

	actionForms := s.BuildForms("http://h/lamp1", &thing.Pattern{Kind: thing.KindAction, URLName: "toggle"})
	require.Len(t, actionForms, 1)
	assert.Equal(t, []string{string(thing.OpInvokeAction)}, actionForms[0].Op)
}
