package coapbinding

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
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

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func startTestServer(t *testing.T) (*Server, *mockExposedThing, int) {
	t.Helper()
	port := freeUDPPort(t)
	s := NewServer(port, nil)
	et := newMockExposedThing("lamp1")
	require.NoError(t, s.AddExposedThing(et))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	time.Sleep(50 * time.Millisecond)
	return s, et, port
}

func TestCoAPReadProperty(t *testing.T) {
	_, et, port := startTestServer(t)
	et.props["level"] = 4.0

	c := NewClient()
	host := "127.0.0.1:" + strconv.Itoa(port)
	conn, err := c.dial(context.Background(), host)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := conn.Get(context.Background(), "/property?thing=lamp1&name=level")
	require.NoError(t, err)
	value, err := decodeField(resp, "value")
	require.NoError(t, err)
	assert.Equal(t, 4.0, value)
}

func TestCoAPInvokeAction(t *testing.T) {
	_, _, port := startTestServer(t)
	c := NewClient()
	host := "127.0.0.1:" + strconv.Itoa(port)
	conn, err := c.dial(context.Background(), host)
	require.NoError(t, err)
	defer conn.Close()

	body := []byte(`{"input": true}`)
	resp, err := conn.Post(context.Background(), "/action?thing=lamp1&name=toggle", message.AppJSON, jsonReader(body))
	require.NoError(t, err)
	var out struct {
		Result map[string]interface{} `json:"result"`
	}
	require.NoError(t, decodeInto(resp, &out))
	assert.Equal(t, true, out.Result["echo"])
}

func TestBuildFormsPropertyQuery(t *testing.T) {
	s := NewServer(5683, nil)
	forms := s.BuildForms("coap://h/lamp1", &thing.Pattern{Kind: thing.KindProperty, URLName: "level"})
	require.Len(t, forms, 1)
	assert.Contains(t, forms[0].Href, "thing=lamp1")
	assert.Contains(t, forms[0].Href, "name=level")
}
