package httpbinding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/wostzone/wotgo/pkg/auth"
	"github.com/wostzone/wotgo/pkg/binding"
	"github.com/wostzone/wotgo/pkg/thing"
	"github.com/wostzone/wotgo/pkg/werrors"
)

// Client is the HTTP protocol binding client, mirroring the server's routes
// with GET/PUT/POST and re-issuing long-poll GETs on timeout.
type Client struct {
	httpClient *http.Client
	credential auth.Credential
}

func NewClient() *Client {
	return &Client{httpClient: &http.Client{}, credential: auth.NoSecCredential{}}
}

func (c *Client) Protocol() binding.Protocol { return binding.ProtocolHTTP }
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

// firstForm picks, among forms under this client's scheme, the one whose op
// includes verb, preferring https over http (§4.E form-href resolution).
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
		if scheme != "http" && scheme != "https" {
			continue
		}
		if !f.HasOp(verb) {
			continue
		}
		if scheme == "https" {
			return f
		}
		if plain == nil {
			plain = f
		}
	}
	return plain
}

type httpAuthReq struct{ r *http.Request }

func (h httpAuthReq) Get(field string) string     { return h.r.Header.Get(field) }
func (h httpAuthReq) Set(field, value string)     { h.r.Header.Set(field, value) }

func (c *Client) sign(ctx context.Context, r *http.Request) error {
	return c.credential.Sign(ctx, httpAuthReq{r})
}

func (c *Client) ReadProperty(ctx context.Context, td *thing.Thing, name string) (interface{}, error) {
	form := c.firstForm(td, name, thing.OpReadProperty)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no http form for property %q", name)
	}
	var out struct {
		Value interface{} `json:"value"`
		Error string      `json:"error"`
	}
	if err := c.do(ctx, http.MethodGet, form.Href, nil, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, werrors.New(werrors.KindHandlerError, "%s", out.Error)
	}
	return out.Value, nil
}

func (c *Client) WriteProperty(ctx context.Context, td *thing.Thing, name string, value interface{}) error {
	form := c.firstForm(td, name, thing.OpWriteProperty)
	if form == nil {
		return werrors.New(werrors.KindNotSupported, "no http form for property %q", name)
	}
	body, _ := json.Marshal(map[string]interface{}{"value": value})
	var out struct {
		Error string `json:"error"`
	}
	if err := c.do(ctx, http.MethodPut, form.Href, body, &out); err != nil {
		return err
	}
	if out.Error != "" {
		return werrors.New(werrors.KindHandlerError, "%s", out.Error)
	}
	return nil
}

func (c *Client) InvokeAction(ctx context.Context, td *thing.Thing, name string, input interface{}) (interface{}, error) {
	form := c.firstForm(td, name, thing.OpInvokeAction)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no http form for action %q", name)
	}
	body, _ := json.Marshal(map[string]interface{}{"input": input})
	var out struct {
		Result interface{} `json:"result"`
		Error  string      `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, form.Href, body, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, werrors.New(werrors.KindHandlerError, "%s", out.Error)
	}
	return out.Result, nil
}

// OnPropertyChange/OnEvent re-issue the long-poll GET on each timeout until
// Unsubscribe is called, per §4.F ("long-poll re-issues on timeout until the
// subscription is unsubscribed").
func (c *Client) OnPropertyChange(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (binding.Subscription, error) {
	form := c.firstForm(td, name, thing.OpObserveProperty)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no http subscription form for property %q", name)
	}
	sub := newPollSubscription(c, form.Href, func(payload []byte) {
		var out struct {
			Value interface{} `json:"value"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			cb(nil, werrors.Wrap(werrors.KindProtocolError, err, "malformed property payload"))
			return
		}
		cb(out.Value, nil)
	})
	sub.start()
	return sub, nil
}

func (c *Client) OnEvent(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (binding.Subscription, error) {
	form := c.firstForm(td, name, thing.OpSubscribeEvent)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no http subscription form for event %q", name)
	}
	sub := newPollSubscription(c, form.Href, func(payload []byte) {
		var out struct {
			Payload interface{} `json:"payload"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			cb(nil, werrors.Wrap(werrors.KindProtocolError, err, "malformed event payload"))
			return
		}
		cb(out.Payload, nil)
	})
	sub.start()
	return sub, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return werrors.Wrap(werrors.KindProtocolError, err, "build request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.sign(ctx, req); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return werrors.Wrap(werrors.KindProtocolError, err, "http request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return werrors.New(werrors.KindUnauthorized, "unauthorized")
	}
	if resp.StatusCode == http.StatusGatewayTimeout {
		return werrors.New(werrors.KindTimeout, "server-side long-poll timeout")
	}
	if resp.StatusCode == http.StatusNotFound {
		return werrors.New(werrors.KindNotSupported, "not found")
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// pollSubscription re-issues a long-poll GET, delivering each successful
// body to deliver, until stopped.
type pollSubscription struct {
	client  *Client
	href    string
	deliver func(payload []byte)
	stop    chan struct{}
	active  bool
}

func newPollSubscription(c *Client, href string, deliver func([]byte)) *pollSubscription {
	return &pollSubscription{client: c, href: href, deliver: deliver, stop: make(chan struct{})}
}

func (p *pollSubscription) start() {
	p.active = true
	go p.loop()
}

func (p *pollSubscription) loop() {
	for p.active {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultLongPollTimeout+5*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.href, nil)
		if err != nil {
			cancel()
			return
		}
		if err := p.client.sign(ctx, req); err != nil {
			cancel()
			time.Sleep(time.Second)
			continue
		}
		resp, err := p.client.httpClient.Do(req)
		cancel()
		if err != nil {
			if !p.active {
				return
			}
			time.Sleep(time.Second)
			continue
		}
		if resp.StatusCode == http.StatusGatewayTimeout {
			resp.Body.Close()
			continue // re-issue immediately, per §4.F
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		select {
		case <-p.stop:
			return
		default:
		}
		p.deliver(data)
	}
}

func (p *pollSubscription) Unsubscribe() {
	p.active = false
	close(p.stop)
}
