// Package broker connects the recorder to an MQTT broker: it publishes the
// recording state for home-automation dashboards and accepts toggle/stop
// commands on a control topic.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/audiolibrelab/psrecorder/internal/input"
)

const (
	publishTimeout    = 2 * time.Second
	subscribeTimeout  = 5 * time.Second
	commandTimeout    = 30 * time.Second
	disconnectQuiesce = 250 // ms
)

// ErrUnknownCommand is returned for control payloads that name no action.
var ErrUnknownCommand = errors.New("unknown command")

// Options configures a Client.
type Options struct {
	// Broker is host:port or a full URL such as ssl://host:8883.
	Broker         string
	ClientID       string
	StateTopic     string
	ControlTopic   string // empty disables remote control
	QoS            byte
	ConnectTimeout time.Duration
}

// Submitter hands actions to the control loop.
type Submitter interface {
	Submit(ctx context.Context, action input.Action) error
}

// client is the subset of mqtt.Client we use.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// State is the retained payload on the state topic.
type State struct {
	Recording bool   `json:"recording"`
	Timestamp string `json:"timestamp"`
}

// Command is a control payload. A bare "toggle" or "stop" string is accepted
// as well.
type Command struct {
	Command string `json:"command"`
}

// Client publishes recording state and forwards control commands.
type Client struct {
	opts     Options
	client   client
	commands chan input.Action
	now      func() time.Time

	mu        sync.Mutex
	published uint64
	failed    uint64
	listening bool
}

// Connect dials the broker. Reconnection is automatic afterwards, and the
// control subscription is renewed on every connect.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if !strings.Contains(opts.Broker, "://") {
		opts.Broker = "tcp://" + opts.Broker
	}

	c := newClient(nil, opts)
	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = c.onConnect
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost, will auto-reconnect", "broker", opts.Broker, "error", err)
	}

	mc := mqtt.NewClient(co)
	c.client = mc
	slog.Info("Connecting to MQTT broker", "broker", opts.Broker)
	token := mc.Connect()
	select {
	case <-token.Done():
	case <-time.After(opts.ConnectTimeout):
		mc.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection to %s timed out", opts.Broker)
	case <-ctx.Done():
		mc.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return c, nil
}

func newClient(c client, opts Options) *Client {
	return &Client{
		opts:     opts,
		client:   c,
		commands: make(chan input.Action, 10),
		now:      time.Now,
	}
}

// onConnect runs on the MQTT client's goroutine for the first connect and
// every reconnect. A clean session drops subscriptions, so renew ours.
func (c *Client) onConnect(mqtt.Client) {
	slog.Info("MQTT connection established", "broker", c.opts.Broker, "client_id", c.opts.ClientID)
	if !c.isListening() {
		return
	}
	// waiting on the token here would stall the client's goroutine
	go func() {
		if err := c.subscribe(); err != nil {
			slog.Warn("MQTT control unavailable, publishing state only", "topic", c.opts.ControlTopic, "error", err)
		}
	}()
}

func (c *Client) isListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

func (c *Client) setListening(v bool) {
	c.mu.Lock()
	c.listening = v
	c.mu.Unlock()
}

func (c *Client) subscribe() error {
	slog.Info("Subscribing to MQTT control topic", "topic", c.opts.ControlTopic)
	token := c.client.Subscribe(c.opts.ControlTopic, c.opts.QoS, c.handleMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("mqtt subscription to %s timed out", c.opts.ControlTopic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscription failed: %w", err)
	}
	return nil
}

// IndicateRecording publishes the retained recording state. Failures are
// logged; recording never depends on the broker.
func (c *Client) IndicateRecording(ctx context.Context, on bool) {
	payload, err := json.Marshal(State{Recording: on, Timestamp: c.now().UTC().Format(time.RFC3339)})
	if err != nil {
		slog.Warn("Failed to encode MQTT state", "error", err)
		return
	}
	if err := c.publish(c.opts.StateTopic, payload); err != nil {
		slog.Warn("Failed to publish recording state", "topic", c.opts.StateTopic, "error", err)
		return
	}
	slog.Debug("Published recording state", "topic", c.opts.StateTopic, "recording", on)
}

func (c *Client) publish(topic string, payload []byte) error {
	if !c.client.IsConnected() {
		c.countError()
		return fmt.Errorf("mqtt not connected")
	}
	token := c.client.Publish(topic, c.opts.QoS, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		c.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		c.countError()
		return fmt.Errorf("publish failed: %w", err)
	}
	c.mu.Lock()
	c.published++
	c.mu.Unlock()
	return nil
}

func (c *Client) countError() {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

// Stats returns the number of successful and failed publishes.
func (c *Client) Stats() (published, failed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published, c.failed
}

// Run subscribes to the control topic and forwards commands to sub until ctx
// is cancelled. Without a control topic it only waits. A refused
// subscription leaves the client publishing state only; it is retried on the
// next reconnect. Run never fails: the broker is a side channel.
func (c *Client) Run(ctx context.Context, sub Submitter) error {
	if c.opts.ControlTopic == "" {
		<-ctx.Done()
		return nil
	}

	c.setListening(true)
	defer c.setListening(false)
	if err := c.subscribe(); err != nil {
		slog.Warn("MQTT control unavailable, publishing state only", "topic", c.opts.ControlTopic, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case action := <-c.commands:
			c.execute(ctx, sub, action)
		}
	}
}

func (c *Client) execute(ctx context.Context, sub Submitter, action input.Action) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := sub.Submit(ctx, action); err != nil {
		slog.Warn("MQTT command failed", "command", action, "error", err)
		return
	}
	slog.Info("MQTT command executed", "command", action)
}

// handleMessage runs on the MQTT client's goroutine and must not block.
func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	action, err := ParseCommand(msg.Payload())
	if err != nil {
		slog.Warn("Ignoring MQTT control message", "topic", msg.Topic(), "error", err)
		return
	}
	select {
	case c.commands <- action:
	default:
		slog.Warn("MQTT command queue full, dropping command", "command", action)
	}
}

// ParseCommand accepts {"command":"toggle"} or a bare toggle/stop payload.
func ParseCommand(payload []byte) (input.Action, error) {
	name := strings.TrimSpace(string(payload))
	if strings.HasPrefix(name, "{") {
		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return 0, fmt.Errorf("invalid command payload: %w", err)
		}
		name = cmd.Command
	}
	switch strings.ToLower(name) {
	case "toggle":
		return input.ActionToggle, nil
	case "stop":
		return input.ActionStop, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

// Close unsubscribes and disconnects.
func (c *Client) Close() {
	if !c.client.IsConnected() {
		return
	}
	if c.opts.ControlTopic != "" {
		c.client.Unsubscribe(c.opts.ControlTopic).WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
	slog.Info("MQTT disconnected")
}
