package wsbinding

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wostzone/wotgo/pkg/auth"
	"github.com/wostzone/wotgo/pkg/binding"
	"github.com/wostzone/wotgo/pkg/thing"
	"github.com/wostzone/wotgo/pkg/werrors"
)

const callTimeout = 10 * time.Second

// Client is the WebSocket protocol binding client (§4.I): one socket per
// Thing endpoint, JSON-RPC request/response correlated by id, with
// subscription notifications dispatched to the callback registered at
// observeproperty/subscribeevent time.
type Client struct {
	credential auth.Credential

	mu    sync.Mutex
	conns map[string]*wsConn // keyed by the form href
}

func NewClient() *Client {
	return &Client{credential: auth.NoSecCredential{}, conns: map[string]*wsConn{}}
}

func (c *Client) Protocol() binding.Protocol { return binding.ProtocolWebSocket }
func (c *Client) IsPushBased() bool          { return true }

func (c *Client) SetSecurity(scheme thing.SecurityScheme, credentials map[string]interface{}) error {
	cred, err := auth.NewCredential(scheme.Scheme(), credentials)
	if err != nil {
		return err
	}
	c.credential = cred
	return nil
}

func (c *Client) IsSupportedInteraction(td *thing.Thing, name string) bool {
	return c.firstForm(td, name) != nil
}

func (c *Client) firstForm(td *thing.Thing, name string) *thing.Form {
	var forms []thing.Form
	if p, ok := td.GetProperty(name); ok {
		forms = p.Pattern.AllForms()
	} else if a, ok := td.GetAction(name); ok {
		forms = a.Pattern.AllForms()
	} else if e, ok := td.GetEvent(name); ok {
		forms = e.Pattern.AllForms()
	}
	for i := range forms {
		f := &forms[i]
		if f.Scheme() == "ws" || f.Scheme() == "wss" {
			return f
		}
	}
	return nil
}

type wsAuthReq struct{ values map[string]string }

func (r *wsAuthReq) Get(field string) string { return r.values[field] }
func (r *wsAuthReq) Set(field, value string) { r.values[field] = value }

// connFor returns the shared socket for href, dialing lazily on first use.
func (c *Client) connFor(ctx context.Context, href string) (*wsConn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[href]; ok && !conn.isClosed() {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	u, err := url.Parse(href)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "malformed ws href")
	}

	header := map[string][]string{}
	authReq := &wsAuthReq{values: map[string]string{}}
	if err := c.credential.Sign(ctx, authReq); err != nil {
		return nil, err
	}
	for k, v := range authReq.values {
		header[k] = []string{v}
	}

	raw, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "ws dial %s failed", u.String())
	}
	conn := newWSConn(raw)

	c.mu.Lock()
	c.conns[href] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) ReadProperty(ctx context.Context, td *thing.Thing, name string) (interface{}, error) {
	form := c.firstForm(td, name)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no ws form for property %q", name)
	}
	conn, err := c.connFor(ctx, form.Href)
	if err != nil {
		return nil, err
	}
	resp, err := conn.call(ctx, MethodReadProperty, RequestParams{Name: name})
	if err != nil {
		return nil, err
	}
	m, _ := resp.Result.(map[string]interface{})
	return m["value"], nil
}

func (c *Client) WriteProperty(ctx context.Context, td *thing.Thing, name string, value interface{}) error {
	form := c.firstForm(td, name)
	if form == nil {
		return werrors.New(werrors.KindNotSupported, "no ws form for property %q", name)
	}
	conn, err := c.connFor(ctx, form.Href)
	if err != nil {
		return err
	}
	_, err = conn.call(ctx, MethodWriteProperty, RequestParams{Name: name, Value: value})
	return err
}

func (c *Client) InvokeAction(ctx context.Context, td *thing.Thing, name string, input interface{}) (interface{}, error) {
	form := c.firstForm(td, name)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no ws form for action %q", name)
	}
	conn, err := c.connFor(ctx, form.Href)
	if err != nil {
		return nil, err
	}
	resp, err := conn.call(ctx, MethodInvokeAction, RequestParams{Name: name, Input: input})
	if err != nil {
		return nil, err
	}
	m, _ := resp.Result.(map[string]interface{})
	return m["result"], nil
}

func (c *Client) OnPropertyChange(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (binding.Subscription, error) {
	return c.subscribe(ctx, td, name, MethodObserveProperty, MethodUnobserveProperty, cb)
}

func (c *Client) OnEvent(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (binding.Subscription, error) {
	return c.subscribe(ctx, td, name, MethodSubscribeEvent, MethodUnsubscribeEvent, cb)
}

func (c *Client) subscribe(ctx context.Context, td *thing.Thing, name, openMethod, closeMethod string, cb func(interface{}, error)) (binding.Subscription, error) {
	form := c.firstForm(td, name)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no ws form for %q", name)
	}
	conn, err := c.connFor(ctx, form.Href)
	if err != nil {
		return nil, err
	}
	resp, err := conn.call(ctx, openMethod, RequestParams{Name: name})
	if err != nil {
		return nil, err
	}
	m, _ := resp.Result.(map[string]interface{})
	subID, _ := m["subscription"].(float64)
	id := int(subID)

	conn.registerSub(id, cb)
	return &wsSubscription{conn: conn, id: id, closeMethod: closeMethod}, nil
}

type wsSubscription struct {
	conn        *wsConn
	id          int
	closeMethod string
}

func (s *wsSubscription) Unsubscribe() {
	s.conn.removeSub(s.id)
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	_, _ = s.conn.call(ctx, s.closeMethod, RequestParams{Subscription: s.id})
}

// wsConn owns one socket: outbound call correlation by id and inbound
// notification dispatch by subscription id.
type wsConn struct {
	raw     *websocket.Conn
	writeMu sync.Mutex

	nextID int64

	mu     sync.Mutex
	closed bool
	pending map[int64]chan Response
	subs    map[int]func(interface{}, error)
}

func newWSConn(raw *websocket.Conn) *wsConn {
	c := &wsConn{
		raw:     raw,
		pending: map[int64]chan Response{},
		subs:    map[int]func(interface{}, error){},
	}
	go c.readLoop()
	return c
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsConn) readLoop() {
	defer c.close()
	for {
		_, data, err := c.raw.ReadMessage()
		if err != nil {
			return
		}
		var probe struct {
			ID     interface{} `json:"id"`
			Method string      `json:"method"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}
		if probe.Method == notificationPropertyChange || probe.Method == notificationEvent {
			var n Notification
			if err := json.Unmarshal(data, &n); err != nil {
				continue
			}
			c.dispatchNotification(n)
			continue
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		c.dispatchResponse(resp)
	}
}

func (c *wsConn) dispatchNotification(n Notification) {
	c.mu.Lock()
	cb, ok := c.subs[n.Params.Subscription]
	c.mu.Unlock()
	if !ok {
		return
	}
	cb(n.Params.Data, nil)
}

func (c *wsConn) dispatchResponse(resp Response) {
	id, ok := toID(resp.ID)
	if !ok {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- resp
}

func toID(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func (c *wsConn) registerSub(id int, cb func(interface{}, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = cb
}

func (c *wsConn) removeSub(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
}

func (c *wsConn) call(ctx context.Context, method string, params RequestParams) (Response, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Response{}, werrors.New(werrors.KindProtocolError, "ws connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := Request{JSONRPC: "2.0", ID: float64(id), Method: method, Params: params}
	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Response{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, mapRPCError(resp.Error)
		}
		return resp, nil
	case <-callCtx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Response{}, werrors.New(werrors.KindTimeout, "ws call %s timed out", method)
	}
}

func mapRPCError(e *RPCError) error {
	switch e.Code {
	case errCodeNotFound:
		return werrors.New(werrors.KindNotSupported, "%s", e.Message)
	case errCodeUnauthorized:
		return werrors.New(werrors.KindUnauthorized, "%s", e.Message)
	case errCodeBadParams:
		return werrors.New(werrors.KindProtocolError, "%s", e.Message)
	default:
		return werrors.New(werrors.KindHandlerError, "%s", e.Message)
	}
}

func (c *wsConn) send(req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.raw.WriteJSON(req)
}

func (c *wsConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = map[int64]chan Response{}
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = c.raw.Close()
}

func (c *Client) String() string { return "ws-client" }
