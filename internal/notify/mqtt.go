// Package notify forwards bus events to an MQTT broker so that other tools
// (dashboards, observatory automation) can follow captures.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cjeanneret/ccdpreview/internal/config"
	"github.com/cjeanneret/ccdpreview/internal/debug"
	"github.com/cjeanneret/ccdpreview/internal/events"
)

// Timeouts for broker round trips.
const (
	ConnectTimeout = 5 * time.Second
	PublishTimeout = 2 * time.Second
)

// Publisher sends one message to a topic.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// MQTTPublisher is a Publisher backed by an auto-reconnecting paho client.
type MQTTPublisher struct {
	client mqtt.Client
	broker string

	mu        sync.RWMutex
	connected bool
}

// Dial connects to the broker of cfg.
func Dial(cfg config.MQTTConfig) (*MQTTPublisher, error) {
	p := &MQTTPublisher{broker: cfg.Broker}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Connection handlers
	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		debug.Info("mqtt: connected to %s as %s", cfg.Broker, cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		debug.Warn("mqtt: connection to %s lost, will auto-reconnect: %v", cfg.Broker, err)
	}

	p.client = mqtt.NewClient(opts)
	debug.Info("mqtt: connecting to %s", cfg.Broker)
	if err := connect(p.client, ConnectTimeout); err != nil {
		return nil, err
	}
	p.setConnected(true)
	return p, nil
}

// connect waits for the first connection. On failure the client is
// disconnected so that connect-retry stops in the background.
func connect(client mqtt.Client, timeout time.Duration) error {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(250)
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(250)
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

// Connected reports the last known connection state.
func (p *MQTTPublisher) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(topic string, qos byte, payload []byte) error {
	if !p.Connected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(PublishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Close disconnects, waiting up to 250ms for in-flight messages.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
	p.setConnected(false)
}

// Forwarder copies every bus event to "<prefix>/<type>".
type Forwarder struct {
	pub    Publisher
	prefix string
	qos    byte

	mu        sync.Mutex
	published map[string]uint64 // count per topic
	failures  uint64
}

// NewForwarder creates a forwarder publishing under prefix.
func NewForwarder(pub Publisher, prefix string, qos byte) *Forwarder {
	return &Forwarder{
		pub:       pub,
		prefix:    strings.TrimRight(prefix, "/"),
		qos:       qos,
		published: make(map[string]uint64),
	}
}

// Topic returns the topic for events of type t.
func (f *Forwarder) Topic(t string) string {
	return f.prefix + "/" + t
}

// Run forwards events from sub until ctx ends or the subscription closes.
// Publish failures are logged and counted; they never stop forwarding.
func (f *Forwarder) Run(ctx context.Context, sub *events.Subscription) error {
	defer sub.Close()
	for {
		evt, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, events.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		f.forward(evt)
	}
}

func (f *Forwarder) forward(evt events.Event) {
	topic := f.Topic(evt.Type())
	payload, err := json.Marshal(evt)
	if err == nil {
		err = f.pub.Publish(topic, f.qos, payload)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.failures++
		debug.Warn("mqtt: event #%d to %s: %v", evt.Seq, topic, err)
		return
	}
	f.published[topic]++
	debug.Trace("mqtt: event #%d -> %s (%d bytes)", evt.Seq, topic, len(payload))
}

// Stats returns the per-topic publish counts and the failure count.
func (f *Forwarder) Stats() (map[string]uint64, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]uint64, len(f.published))
	for k, v := range f.published {
		out[k] = v
	}
	return out, f.failures
}
