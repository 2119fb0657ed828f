// Package mqttpool implements the reference-counted MQTT broker connection
// pool from §4.H: acquire/release by broker URL, a delivery "loop" adapted
// to paho.mqtt.golang's callback model, manual reconnect+resubscribe (the
// library's own auto-reconnect is deliberately disabled, mirroring wotpy's
// `auto_reconnect: False`), a TTL-bounded per-topic message cache and
// topic-level condition waits built on topicWaiter.
package mqttpool

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/wotgo/pkg/werrors"
)

// DefaultMessageTTL is the default cache retention window (§4.H / Open
// Questions: kept at the original's 15s, made configurable).
const DefaultMessageTTL = 15 * time.Second

// DialOptions carries the per-broker connection parameters a binding
// supplies to Acquire. Username/Password are sent whenever set. A non-empty
// CACertFile enables TLS; ClientCert is presented only on such a TLS
// connection and is ignored without CACertFile.
type DialOptions struct {
	CACertFile       string
	ClientCert       *tls.Certificate
	Username         string
	Password         string
	VerifyServerCert bool
	MessageTTL       time.Duration
}

type brokerEntry struct {
	broker   string
	client   pahomqtt.Client
	opts     DialOptions
	refCount int

	mu          sync.Mutex
	cache       map[string][]cacheEntry
	seqCounters map[string]uint64 // topic -> last assigned cacheEntry.Seq
	topics      map[string]byte   // topic -> qos, persisted across reconnects
	waiters     map[string]*topicWaiter

	connLost chan error
	stop     chan struct{}
	wg       sync.WaitGroup
}

func (e *brokerEntry) waiterFor(topic string) *topicWaiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.waiters[topic]
	if !ok {
		w = newTopicWaiter()
		e.waiters[topic] = w
	}
	return w
}

// Pool owns every live broker connection, keyed by broker URL. All
// mutations happen under mu; acquire and release are safe to call
// concurrently from many goroutines (the engine's analogue of wotpy's
// reentrant-across-coroutines lock).
type Pool struct {
	mu      sync.Mutex
	entries map[string]*brokerEntry
}

func NewPool() *Pool {
	return &Pool{entries: map[string]*brokerEntry{}}
}

// Acquire increments the reference count for broker, dialing and starting
// its reconnect supervisor on first use.
func (p *Pool) Acquire(broker string, opts DialOptions) (*BrokerHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[broker]
	if !ok {
		var err error
		entry, err = p.dial(broker, opts)
		if err != nil {
			return nil, err
		}
		p.entries[broker] = entry
	}
	entry.refCount++
	return &BrokerHandle{pool: p, entry: entry}, nil
}

// Release decrements the reference count for broker; at zero it stops the
// reconnect supervisor, disconnects and discards every cached message,
// topic and waiter for that broker (the reference-counter-safety
// invariant: #acquire == #release implies disconnected).
func (p *Pool) Release(broker string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[broker]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount > 0 {
		return
	}
	close(entry.stop)
	entry.wg.Wait()
	if entry.client != nil && entry.client.IsConnected() {
		entry.client.Disconnect(250)
	}
	delete(p.entries, broker)
}

func (p *Pool) dial(broker string, opts DialOptions) (*brokerEntry, error) {
	if opts.MessageTTL == 0 {
		opts.MessageTTL = DefaultMessageTTL
	}
	entry := &brokerEntry{
		broker:      broker,
		opts:        opts,
		cache:       map[string][]cacheEntry{},
		seqCounters: map[string]uint64{},
		topics:      map[string]byte{},
		waiters:     map[string]*topicWaiter{},
		connLost:    make(chan error, 1),
		stop:        make(chan struct{}),
	}
	client, err := entry.connect()
	if err != nil {
		return nil, werrors.Wrap(werrors.KindProtocolError, err, "mqtt connect to %s failed", broker)
	}
	entry.client = client

	entry.wg.Add(1)
	go entry.reconnectSupervisor()
	return entry, nil
}

func (e *brokerEntry) connect() (pahomqtt.Client, error) {
	clientOpts := pahomqtt.NewClientOptions()
	clientOpts.AddBroker(e.broker)
	clientOpts.SetClientID(fmt.Sprintf("wotgo-%d", time.Now().UnixNano()))
	// Auto-reconnect is deliberately disabled: the pool owns reconnect and
	// resubscribe so it can replay the persisted topic set itself.
	clientOpts.SetAutoReconnect(false)
	clientOpts.SetCleanSession(true)
	clientOpts.SetConnectTimeout(10 * time.Second)
	clientOpts.SetKeepAlive(20 * time.Second)
	clientOpts.SetUsername(e.opts.Username)
	clientOpts.SetPassword(e.opts.Password)
	clientOpts.SetOnConnectHandler(func(c pahomqtt.Client) {
		logrus.Infof("mqttpool: connected to %s", e.broker)
	})
	clientOpts.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		logrus.Warningf("mqttpool: connection to %s lost: %s", e.broker, err)
		select {
		case e.connLost <- err:
		default:
		}
	})

	if e.opts.CACertFile != "" {
		pool := x509.NewCertPool()
		pem, err := ioutil.ReadFile(e.opts.CACertFile)
		if err != nil {
			return nil, err
		}
		pool.AppendCertsFromPEM(pem)
		tlsConfig := &tls.Config{RootCAs: pool, InsecureSkipVerify: !e.opts.VerifyServerCert}
		if e.opts.ClientCert != nil {
			tlsConfig.Certificates = []tls.Certificate{*e.opts.ClientCert}
		}
		clientOpts.SetTLSConfig(tlsConfig)
	}

	client := pahomqtt.NewClient(clientOpts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}

// reconnectSupervisor replaces the auto-reconnect paho disables: on a lost
// connection it sleeps ~1s and retries with backoff, then replays the
// persisted topic+qos set exactly as resubscribe() did in the teacher.
func (e *brokerEntry) reconnectSupervisor() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case err := <-e.connLost:
			logrus.Warningf("mqttpool: reconnecting to %s after: %s", e.broker, err)
			e.reconnectLoop()
		}
	}
}

func (e *brokerEntry) reconnectLoop() {
	select {
	case <-e.stop:
		return
	case <-time.After(time.Second):
	}
	backoff := time.Second
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		client, err := e.connect()
		if err != nil {
			logrus.Warningf("mqttpool: reconnect to %s failed: %s, retrying in %s", e.broker, err, backoff)
			time.Sleep(backoff)
			if backoff < 60*time.Second {
				backoff *= 2
			}
			continue
		}
		e.client = client
		e.resubscribeAll()
		return
	}
}

func (e *brokerEntry) resubscribeAll() {
	e.mu.Lock()
	topics := make(map[string]byte, len(e.topics))
	for t, q := range e.topics {
		topics[t] = q
	}
	e.mu.Unlock()

	for topic, qos := range topics {
		e.subscribeRaw(topic, qos)
	}
}

func (e *brokerEntry) subscribeRaw(topic string, qos byte) {
	token := e.client.Subscribe(topic, qos, func(c pahomqtt.Client, msg pahomqtt.Message) {
		entry := e.appendAndEvict(msg.Topic(), msg.Payload(), e.opts.MessageTTL)
		_ = entry
		e.waiterFor(msg.Topic()).Broadcast()
	})
	token.Wait()
	if err := token.Error(); err != nil {
		logrus.Errorf("mqttpool: subscribe to %s on %s failed: %s", topic, e.broker, err)
	}
}
