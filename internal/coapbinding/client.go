package coapbinding

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"

	"github.com/wostzone/wotgo/pkg/auth"
	"github.com/wostzone/wotgo/pkg/binding"
	"github.com/wostzone/wotgo/pkg/thing"
	"github.com/wostzone/wotgo/pkg/werrors"
)

// Client is the CoAP protocol binding client (§4.G). InvokeAction is a
// single POST whose response carries the result or the error; no
// invocation id is returned and no invocation status is observed.
// Unsubscribe cancels an observation and closes its connection.
type Client struct {
	credential auth.Credential
}

func NewClient() *Client {
	return &Client{credential: auth.NoSecCredential{}}
}

func (c *Client) Protocol() binding.Protocol { return binding.ProtocolCoAP }
func (c *Client) IsPushBased() bool          { return false }

func (c *Client) SetSecurity(scheme thing.SecurityScheme, credentials map[string]interface{}) error {
	cred, err := auth.NewCredential(scheme.Scheme(), credentials)
	if err != nil {
		return err
	}
	c.credential = cred
	return nil
}

func (c *Client) IsSupportedInteraction(td *thing.Thing, name string) bool {
	return c.firstForm(td, name, thing.OpReadProperty) != nil ||
		c.firstForm(td, name, thing.OpInvokeAction) != nil ||
		c.firstForm(td, name, thing.OpSubscribeEvent) != nil
}

func (c *Client) firstForm(td *thing.Thing, name string, verb thing.Verb) *thing.Form {
	var forms []thing.Form
	if p, ok := td.GetProperty(name); ok {
		forms = p.Pattern.AllForms()
	} else if a, ok := td.GetAction(name); ok {
		forms = a.Pattern.AllForms()
	} else if e, ok := td.GetEvent(name); ok {
		forms = e.Pattern.AllForms()
	}
	var plain *thing.Form
	for i := range forms {
		f := &forms[i]
		scheme := f.Scheme()
		if scheme != "coap" && scheme != "coaps" {
			continue
		}
		if !f.HasOp(verb) {
			continue
		}
		if scheme == "coaps" {
			return f
		}
		if plain == nil {
			plain = f
		}
	}
	return plain
}

type parsedHref struct {
	host string
	path string
	query string
}

func parseHref(href string) (parsedHref, error) {
	u, err := url.Parse(href)
	if err != nil {
		return parsedHref{}, werrors.Wrap(werrors.KindProtocolError, err, "malformed coap href")
	}
	return parsedHref{host: u.Host, path: u.Path, query: u.RawQuery}, nil
}

func (c *Client) dial(ctx context.Context, host string) (*client.Conn, error) {
	conn, err := udp.Dial(host)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "coap dial %s failed", host)
	}
	return conn, nil
}

type coapAuthReq struct {
	auth map[string]string
}

func (r *coapAuthReq) Get(field string) string { return r.auth[field] }
func (r *coapAuthReq) Set(field, value string) { r.auth[field] = value }

func (c *Client) authQuery(ctx context.Context) (string, error) {
	req := &coapAuthReq{auth: map[string]string{}}
	if err := c.credential.Sign(ctx, req); err != nil {
		return "", err
	}
	if v, ok := req.auth[auth.FieldAuthorization]; ok && v != "" {
		return "auth=" + v, nil
	}
	return "", nil
}

func (c *Client) ReadProperty(ctx context.Context, td *thing.Thing, name string) (interface{}, error) {
	form := c.firstForm(td, name, thing.OpReadProperty)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no coap form for property %q", name)
	}
	href, err := parseHref(form.Href)
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx, href.host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := conn.Get(ctx, withQuery(href.path, href.query))
	if err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "coap GET failed")
	}
	return decodeField(resp, "value")
}

func (c *Client) WriteProperty(ctx context.Context, td *thing.Thing, name string, value interface{}) error {
	form := c.firstForm(td, name, thing.OpWriteProperty)
	if form == nil {
		return werrors.New(werrors.KindNotSupported, "no coap form for property %q", name)
	}
	href, err := parseHref(form.Href)
	if err != nil {
		return err
	}
	conn, err := c.dial(ctx, href.host)
	if err != nil {
		return err
	}
	defer conn.Close()

	body, _ := json.Marshal(map[string]interface{}{"value": value})
	_, err = conn.Put(ctx, withQuery(href.path, href.query), message.AppJSON, jsonReader(body))
	if err != nil {
		return werrors.Wrap(werrors.KindProtocolError, err, "coap PUT failed")
	}
	return nil
}

func (c *Client) InvokeAction(ctx context.Context, td *thing.Thing, name string, input interface{}) (interface{}, error) {
	form := c.firstForm(td, name, thing.OpInvokeAction)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no coap form for action %q", name)
	}
	href, err := parseHref(form.Href)
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx, href.host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	body, _ := json.Marshal(map[string]interface{}{"input": input})
	resp, err := conn.Post(ctx, withQuery(href.path, href.query), message.AppJSON, jsonReader(body))
	if err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "coap POST failed")
	}
	var out struct {
		Result interface{} `json:"result"`
		Error  string      `json:"error"`
	}
	if err := decodeInto(resp, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, werrors.New(werrors.KindHandlerError, "%s", out.Error)
	}
	return out.Result, nil
}

func (c *Client) OnPropertyChange(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (binding.Subscription, error) {
	form := c.firstForm(td, name, thing.OpObserveProperty)
	if form == nil {
		form = c.firstForm(td, name, thing.OpReadProperty)
	}
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no coap form for property %q", name)
	}
	return c.observe(form, func(payload []byte) {
		var out struct {
			Value interface{} `json:"value"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			cb(nil, werrors.Wrap(werrors.KindProtocolError, err, "malformed property payload"))
			return
		}
		cb(out.Value, nil)
	})
}

func (c *Client) OnEvent(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (binding.Subscription, error) {
	form := c.firstForm(td, name, thing.OpSubscribeEvent)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no coap form for event %q", name)
	}
	return c.observe(form, func(payload []byte) {
		var out struct {
			Payload interface{} `json:"payload"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			cb(nil, werrors.Wrap(werrors.KindProtocolError, err, "malformed event payload"))
			return
		}
		cb(out.Payload, nil)
	})
}

// observation wraps a dedicated connection + go-coap Observe handle so
// Unsubscribe sends Observe=1 and cleanly disconnects (§4.G: "Observe
// unsubscription cancels both the observation and any in-flight request").
type observation struct {
	conn   *client.Conn
	handle interface{ Cancel(ctx context.Context) error }
}

func (o *observation) Unsubscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.handle != nil {
		_ = o.handle.Cancel(ctx)
	}
	_ = o.conn.Close()
}

func (c *Client) observe(form *thing.Form, deliver func([]byte)) (binding.Subscription, error) {
	href, err := parseHref(form.Href)
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(context.Background(), href.host)
	if err != nil {
		return nil, err
	}
	obs, err := conn.Observe(context.Background(), withQuery(href.path, href.query), func(req *pool.Message) {
		body, err := readBody(req)
		if err != nil {
			return
		}
		deliver(body)
	})
	if err != nil {
		_ = conn.Close()
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "coap observe failed")
	}
	return &observation{conn: conn, handle: obs}, nil
}

func withQuery(path, query string) string {
	if query == "" {
		return path
	}
	return path + "?" + query
}

func jsonReader(body []byte) *strings.Reader { return strings.NewReader(string(body)) }

func decodeField(resp *pool.Message, field string) (interface{}, error) {
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "malformed coap response")
	}
	return out[field], nil
}

func decodeInto(resp *pool.Message, v interface{}) error {
	body, err := readBody(resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return werrors.Wrap(werrors.KindProtocolError, err, "malformed coap response")
	}
	return nil
}

func readBody(m *pool.Message) ([]byte, error) {
	r := m.Body()
	if r == nil {
		return nil, werrors.New(werrors.KindProtocolError, "empty coap body")
	}
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func (c *Client) String() string { return "coap-client" }
