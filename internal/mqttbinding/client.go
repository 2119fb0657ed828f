package mqttbinding

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wostzone/wotgo/internal/mqttpool"
	"github.com/wostzone/wotgo/pkg/binding"
	"github.com/wostzone/wotgo/pkg/thing"
	"github.com/wostzone/wotgo/pkg/werrors"
)

// Client is the MQTT protocol binding client, grounded on wotpy's
// protocols/mqtt/client.py: every call acquires a pool reference for the
// duration of the request (property/action) or opens a dedicated
// connection for the life of an observation subscription.
type Client struct {
	brokerURL string
	dialOpts  mqttpool.DialOptions
	pool      *mqttpool.Pool
}

func NewClient(brokerURL string, dialOpts mqttpool.DialOptions) *Client {
	return &Client{brokerURL: brokerURL, dialOpts: dialOpts, pool: mqttpool.NewPool()}
}

func (c *Client) Protocol() binding.Protocol { return binding.ProtocolMQTT }
func (c *Client) IsPushBased() bool          { return true }

func (c *Client) SetSecurity(scheme thing.SecurityScheme, credentials map[string]interface{}) error {
	if u, ok := credentials["username"].(string); ok {
		c.dialOpts.Username = u
	}
	if p, ok := credentials["password"].(string); ok {
		c.dialOpts.Password = p
	}
	return nil
}

func (c *Client) IsSupportedInteraction(td *thing.Thing, name string) bool {
	return c.firstForm(td, name, thing.OpReadProperty) != nil ||
		c.firstForm(td, name, thing.OpInvokeAction) != nil ||
		c.firstForm(td, name, thing.OpSubscribeEvent) != nil
}

func (c *Client) firstForm(td *thing.Thing, name string, op thing.Verb) *thing.Form {
	var forms []thing.Form
	if p, ok := td.GetProperty(name); ok {
		forms = p.Pattern.AllForms()
	} else if a, ok := td.GetAction(name); ok {
		forms = a.Pattern.AllForms()
	} else if e, ok := td.GetEvent(name); ok {
		forms = e.Pattern.AllForms()
	}
	for _, f := range forms {
		if f.Scheme() == "mqtt" && f.HasOp(op) {
			return &f
		}
	}
	return nil
}

func topicFromHref(href string) string {
	return strings.TrimPrefix(href, "mqtt://")
}

func (c *Client) ReadProperty(ctx context.Context, td *thing.Thing, name string) (interface{}, error) {
	form := c.firstForm(td, name, thing.OpReadProperty)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no mqtt form for property %q", name)
	}
	observeTopic := topicFromHref(form.Href)
	readTopic := observeTopic + "/read"

	handle, err := c.pool.Acquire(c.brokerURL, c.dialOpts)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "mqtt acquire failed")
	}
	defer handle.Release()

	since := time.Now()
	if err := handle.Subscribe(observeTopic, QoSPropertyPublish); err != nil {
		return nil, err
	}
	if err := handle.Publish(readTopic, QoSWrite, []byte("{}")); err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "publish read request failed")
	}
	payload, err := handle.WaitSince(ctx, observeTopic, since)
	if err != nil {
		return nil, err
	}
	var out struct {
		Value interface{} `json:"value"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "malformed property payload")
	}
	return out.Value, nil
}

func (c *Client) WriteProperty(ctx context.Context, td *thing.Thing, name string, value interface{}) error {
	form := c.firstForm(td, name, thing.OpWriteProperty)
	if form == nil {
		form = c.firstForm(td, name, thing.OpReadProperty)
	}
	if form == nil {
		return werrors.New(werrors.KindNotSupported, "no mqtt form for property %q", name)
	}
	writeTopic := topicFromHref(form.Href)
	ackTopic := writeTopic + "/ack"

	handle, err := c.pool.Acquire(c.brokerURL, c.dialOpts)
	if err != nil {
		return werrors.Wrap(werrors.KindProtocolError, err, "mqtt acquire failed")
	}
	defer handle.Release()

	ackID := uuid.NewString()
	payload, _ := json.Marshal(map[string]interface{}{"action": "write", "value": value, "ack": ackID})
	if err := handle.Publish(writeTopic, QoSWrite, payload); err != nil {
		return werrors.Wrap(werrors.KindProtocolError, err, "publish write failed")
	}
	respPayload, err := handle.WaitCorrelated(ctx, ackTopic, ackID, QoSWriteAckSub)
	if err != nil {
		return err
	}
	var ack struct {
		Ack   string `json:"ack"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respPayload, &ack); err == nil && ack.Error != "" {
		return werrors.New(werrors.KindHandlerError, "%s", ack.Error)
	}
	return nil
}

func (c *Client) InvokeAction(ctx context.Context, td *thing.Thing, name string, input interface{}) (interface{}, error) {
	form := c.firstForm(td, name, thing.OpInvokeAction)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no mqtt form for action %q", name)
	}
	invokeTopic := topicFromHref(form.Href)
	resultTopic := invokeTopic + "/result"

	handle, err := c.pool.Acquire(c.brokerURL, c.dialOpts)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "mqtt acquire failed")
	}
	defer handle.Release()

	id := uuid.NewString()
	payload, _ := json.Marshal(map[string]interface{}{"id": id, "input": input})
	if err := handle.Publish(invokeTopic, QoSInvoke, payload); err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "publish invoke failed")
	}
	respPayload, err := handle.WaitCorrelated(ctx, resultTopic, id, QoSInvokeSub)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result interface{} `json:"result"`
		Error  string      `json:"error"`
		Done   bool        `json:"done"`
	}
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "malformed action result")
	}
	if resp.Error != "" {
		return nil, werrors.New(werrors.KindHandlerError, "%s", resp.Error)
	}
	return resp.Result, nil
}

func (c *Client) OnPropertyChange(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (binding.Subscription, error) {
	form := c.firstForm(td, name, thing.OpReadProperty)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no mqtt form for property %q", name)
	}
	topic := topicFromHref(form.Href)
	ds, err := mqttpool.NewDedicatedSubscription(c.brokerURL, c.dialOpts, topic, QoSPropertyPublish, func(payload []byte) {
		var out struct {
			Value interface{} `json:"value"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			cb(nil, werrors.Wrap(werrors.KindProtocolError, err, "malformed property payload"))
			return
		}
		cb(out.Value, nil)
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (c *Client) OnEvent(ctx context.Context, td *thing.Thing, name string, cb func(interface{}, error)) (binding.Subscription, error) {
	form := c.firstForm(td, name, thing.OpSubscribeEvent)
	if form == nil {
		return nil, werrors.New(werrors.KindNotSupported, "no mqtt form for event %q", name)
	}
	topic := topicFromHref(form.Href)
	ds, err := mqttpool.NewDedicatedSubscription(c.brokerURL, c.dialOpts, topic, QoSEvent, func(payload []byte) {
		var out struct {
			Payload interface{} `json:"payload"`
		}
		if err := json.Unmarshal(payload, &out); err != nil {
			cb(nil, werrors.Wrap(werrors.KindProtocolError, err, "malformed event payload"))
			return
		}
		cb(out.Payload, nil)
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (c *Client) String() string { return fmt.Sprintf("mqtt-client(%s)", c.brokerURL) }
