package wsbinding

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wotgo/pkg/eventbus"
	"github.com/wostzone/wotgo/pkg/thing"
)

type mockExposedThing struct {
	id, urlName string
	props       map[string]interface{}
	bus         *eventbus.Subject
}

func newMockExposedThing(id string) *mockExposedThing {
	return &mockExposedThing{id: id, urlName: id, props: map[string]interface{}{}, bus: eventbus.NewSubject()}
}

func (m *mockExposedThing) ThingID() string     { return m.id }
func (m *mockExposedThing) URLName() string     { return m.urlName }
func (m *mockExposedThing) Thing() *thing.Thing { return &thing.Thing{ID: m.id, URLName: m.urlName} }

func (m *mockExposedThing) ReadProperty(name string) (interface{}, error) { return m.props[name], nil }

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

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func startTestServer(t *testing.T) (*Server, *mockExposedThing, string) {
	t.Helper()
	port := freePort(t)
	s := NewServer(port, nil)
	et := newMockExposedThing("lamp1")
	require.NoError(t, s.AddExposedThing(et))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	// give the listener goroutine a moment to bind
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("tcp", "127.0.0.1"+addrSuffix(port)); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s, et, "ws://127.0.0.1" + addrSuffix(port) + "/lamp1"
}

func addrSuffix(port int) string {
	return ":" + strconv.Itoa(port)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestReadWriteProperty(t *testing.T) {
	_, et, url := startTestServer(t)
	et.props["level"] = 3.0
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(Request{JSONRPC: "2.0", ID: float64(1), Method: MethodReadProperty, Params: RequestParams{Name: "level"}}))
	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, 3.0, result["value"])

	require.NoError(t, conn.WriteJSON(Request{JSONRPC: "2.0", ID: float64(2), Method: MethodWriteProperty, Params: RequestParams{Name: "level", Value: 7.0}}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Nil(t, resp.Error)
	assert.Equal(t, 7.0, et.props["level"])
}

func TestInvokeAction(t *testing.T) {
	_, _, url := startTestServer(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(Request{JSONRPC: "2.0", ID: float64(1), Method: MethodInvokeAction, Params: RequestParams{Name: "toggle", Input: true}}))
	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["echo"])
}

func TestObservePropertyPushesNotification(t *testing.T) {
	_, et, url := startTestServer(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(Request{JSONRPC: "2.0", ID: float64(1), Method: MethodObserveProperty, Params: RequestParams{Name: "level"}}))
	var subResp Response
	require.NoError(t, conn.ReadJSON(&subResp))
	require.Nil(t, subResp.Error)
	subResult := subResp.Result.(map[string]interface{})
	require.Contains(t, subResult, "subscription")

	require.NoError(t, et.WriteProperty("level", 11.0))
	// WriteProperty over the socket would itself emit, but here we wrote the
	// property directly on the mock to isolate the notification path.

	var note Notification
	require.NoError(t, conn.ReadJSON(&note))
	assert.Equal(t, "propertyChange", note.Method)
	assert.Equal(t, 11.0, note.Params.Data)
}

func TestUnknownMethodReturnsError(t *testing.T) {
	_, _, url := startTestServer(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(Request{JSONRPC: "2.0", ID: float64(1), Method: "bogus"}))
	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.True(t, strings.Contains(resp.Error.Message, "unknown method"))
}

func TestBuildFormsCarriesFullVerbSetPerKind(t *testing.T) {
	s := NewServer(8080, nil)
	forms := s.BuildForms("ws://h/lamp1", &thing.Pattern{Kind: thing.KindProperty})
	require.Len(t, forms, 1)
	assert.ElementsMatch(t, []string{string(thing.OpReadProperty), string(thing.OpWriteProperty), string(thing.OpObserveProperty)}, forms[0].Op)
}
