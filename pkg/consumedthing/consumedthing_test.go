package consumedthing_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wotgo/pkg/binding"
	"github.com/wostzone/wotgo/pkg/consumedthing"
	"github.com/wostzone/wotgo/pkg/thing"
)

type fakeSub struct{ unsubscribed int32 }

func (f *fakeSub) Unsubscribe() { atomic.AddInt32(&f.unsubscribed, 1) }

type fakeClient struct {
	pushBased bool
	reads     int32
	writes    int32

	onPropertyChangeErr error
	cb                  func(interface{}, error)
}

func (f *fakeClient) Protocol() binding.Protocol { return binding.ProtocolHTTP }
func (f *fakeClient) IsSupportedInteraction(td *thing.Thing, name string) bool { return true }
func (f *fakeClient) IsPushBased() bool                                       { return f.pushBased }

func (f *fakeClient) ReadProperty(ctx context.Context, td *thing.Thing, name string) (interface{}, error) {
	atomic.AddInt32(&f.reads, 1)
	return "wire-value", nil
}
func (f *fakeClient) WriteProperty(ctx context.Context, td *thing.Thing, name string, value interface{}) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}
func (f *fakeClient) InvokeAction(ctx context.Context, td *thing.Thing, name string, input interface{}) (interface{}, error) {
	return input, nil
}
func (f *fakeClient) OnPropertyChange(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (binding.Subscription, error) {
	f.cb = cb
	return &fakeSub{}, nil
}
func (f *fakeClient) OnEvent(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (binding.Subscription, error) {
	f.cb = cb
	return &fakeSub{}, nil
}
func (f *fakeClient) SetSecurity(scheme thing.SecurityScheme, credentials map[string]interface{}) error {
	return nil
}

type fakeSelector struct{ client *fakeClient }

func (s *fakeSelector) SelectClient(td *thing.Thing, name string) (binding.Client, error) {
	return s.client, nil
}

func newTD(t *testing.T) *thing.Thing {
	t.Helper()
	td := thing.New("lamp1", "Lamp")
	p, err := thing.NewProperty("level", thing.DataSchema{Type: "number"})
	require.NoError(t, err)
	require.NoError(t, td.AddProperty("level", p))
	return td
}

func TestReadPropertyHitsWireForPullBasedClient(t *testing.T) {
	client := &fakeClient{pushBased: false}
	ct := consumedthing.New(newTD(t), &fakeSelector{client: client}, time.Second)

	v, err := ct.ReadProperty(context.Background(), "level")
	require.NoError(t, err)
	assert.Equal(t, "wire-value", v)

	_, err = ct.ReadProperty(context.Background(), "level")
	require.NoError(t, err)
	assert.EqualValues(t, 2, client.reads, "pull-based client hits the wire every read")
}

func TestReadPropertyServesCacheForPushBasedClient(t *testing.T) {
	client := &fakeClient{pushBased: true}
	ct := consumedthing.New(newTD(t), &fakeSelector{client: client}, time.Second)

	_, err := ct.ReadProperty(context.Background(), "level")
	require.NoError(t, err)
	_, err = ct.ReadProperty(context.Background(), "level")
	require.NoError(t, err)
	assert.EqualValues(t, 1, client.reads, "push-based client serves the second read from cache")
}

func TestWriteUpdatesCache(t *testing.T) {
	client := &fakeClient{pushBased: true}
	ct := consumedthing.New(newTD(t), &fakeSelector{client: client}, time.Second)

	require.NoError(t, ct.WriteProperty(context.Background(), "level", 5))
	v, err := ct.ReadProperty(context.Background(), "level")
	require.NoError(t, err)
	assert.Equal(t, 5, v)
	assert.EqualValues(t, 0, client.reads, "write populates the cache so the read never touches the wire")
}

func TestObservePropertyRejectsSecondSubscriber(t *testing.T) {
	client := &fakeClient{pushBased: true}
	ct := consumedthing.New(newTD(t), &fakeSelector{client: client}, time.Second)

	sub, err := ct.ObserveProperty(context.Background(), "level", func(interface{}, error) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = ct.ObserveProperty(context.Background(), "level", func(interface{}, error) {})
	assert.Error(t, err)
}

func TestUnsubscribeAllowsResubscription(t *testing.T) {
	client := &fakeClient{pushBased: true}
	ct := consumedthing.New(newTD(t), &fakeSelector{client: client}, time.Second)

	sub, err := ct.ObserveProperty(context.Background(), "level", func(interface{}, error) {})
	require.NoError(t, err)
	sub.Unsubscribe()

	_, err = ct.ObserveProperty(context.Background(), "level", func(interface{}, error) {})
	assert.NoError(t, err)
}

func TestInvokeActionPassesInputThrough(t *testing.T) {
	client := &fakeClient{}
	ct := consumedthing.New(newTD(t), &fakeSelector{client: client}, time.Second)

	result, err := ct.InvokeAction(context.Background(), "toggle", true)
	require.NoError(t, err)
	assert.Equal(t, true, result)
}
