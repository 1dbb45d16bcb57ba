// Package mqtt bridges the link pool to an MQTT broker: link traffic is
// published per link, and set/exec commands arriving on the command
// topics are dispatched through the pool.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"lvp-hub/internal/lvp"
	"lvp-hub/internal/pool"
)

// Config holds broker settings.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects one pool to one broker.
//
// Topics (relative to the prefix):
//
//	<id>/log     published: every raw message on the link
//	<id>/state   published: link lifecycle changes
//	<id>/result  published: response to an exec command
//	<id>/set     subscribed: JSON object of parameter assignments
//	<id>/exec    subscribed: raw command text
//	bridge/state published retained: online/offline
type Bridge struct {
	pool    *pool.Pool
	cfg     Config
	logger  *slog.Logger
	client  paho.Client
	unsub   func()
	timeout time.Duration
}

func NewBridge(p *pool.Pool, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "lvp-hub"
	}
	return &Bridge{
		pool:    p,
		cfg:     cfg,
		logger:  logger.With("component", "mqtt"),
		timeout: 30 * time.Second,
	}
}

// Start connects to the broker and begins bridging.
func (b *Bridge) Start() error {
	opts := paho.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("bridge/state"), "offline", 0, true)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetOnConnectHandler(func(c paho.Client) {
		b.logger.Info("connected to broker", "broker", b.cfg.Broker)
		c.Publish(b.topic("bridge/state"), 0, true, "online")
		b.subscribeCommands(c)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.logger.Warn("broker connection lost", "err", err)
	})

	b.client = paho.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to broker %s: %w", b.cfg.Broker, token.Error())
	}

	b.unsub = b.pool.Events().OnAll(b.handleEvent)
	return nil
}

// Stop publishes the offline state and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	if b.client != nil && b.client.IsConnected() {
		b.client.Publish(b.topic("bridge/state"), 0, true, "offline").Wait()
		b.client.Disconnect(250)
	}
	b.logger.Info("mqtt bridge stopped")
}

func (b *Bridge) topic(suffix string) string {
	return b.cfg.TopicPrefix + "/" + suffix
}

func (b *Bridge) handleEvent(e pool.Event) {
	if b.client == nil || !b.client.IsConnected() {
		return
	}
	switch e.Type {
	case pool.EventMessage:
		if data, ok := e.Data.(string); ok {
			b.client.Publish(b.topic(e.Link+"/log"), 0, false, data)
		}
	case pool.EventLinkReady:
		b.client.Publish(b.topic(e.Link+"/state"), 0, true, "ready")
	case pool.EventBackgroundStarted, pool.EventBackgroundStopped:
		payload, err := json.Marshal(e)
		if err != nil {
			return
		}
		b.client.Publish(b.topic(e.Link+"/state"), 0, false, payload)
	}
}

func (b *Bridge) subscribeCommands(c paho.Client) {
	setTopic := b.topic("+/set")
	if token := c.Subscribe(setTopic, 0, b.handleSet); token.Wait() && token.Error() != nil {
		b.logger.Error("subscribe", "topic", setTopic, "err", token.Error())
	}
	execTopic := b.topic("+/exec")
	if token := c.Subscribe(execTopic, 0, b.handleExec); token.Wait() && token.Error() != nil {
		b.logger.Error("subscribe", "topic", execTopic, "err", token.Error())
	}
}

func (b *Bridge) handleSet(_ paho.Client, msg paho.Message) {
	id, ok := topicLink(msg.Topic())
	if !ok {
		return
	}
	assignments, err := parseAssignments(msg.Payload())
	if err != nil {
		b.logger.Warn("bad set payload", "link", id, "err", err)
		return
	}
	if _, err := b.pool.Set(id, assignments, b.timeout); err != nil {
		b.logger.Warn("set via mqtt failed", "link", id, "err", err)
	}
}

func (b *Bridge) handleExec(_ paho.Client, msg paho.Message) {
	id, ok := topicLink(msg.Topic())
	if !ok {
		return
	}
	cmd := strings.TrimSpace(string(msg.Payload()))
	if cmd == "" {
		return
	}
	results, err := b.pool.Exec(id, cmd, b.timeout)
	if err != nil {
		b.logger.Warn("exec via mqtt failed", "link", id, "err", err)
		return
	}
	if out, ok := results[id].(string); ok {
		b.client.Publish(b.topic(id+"/result"), 0, false, out)
	}
}

// topicLink extracts the link id from "<prefix>/<id>/<action>".
func topicLink(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return "", false
	}
	id := parts[len(parts)-2]
	if id == "" || id == "bridge" {
		return "", false
	}
	return id, true
}

// parseAssignments decodes a JSON object of parameter updates. JSON
// objects carry no order, so keys are applied sorted for determinism;
// send several messages when order matters.
func parseAssignments(payload []byte) ([]lvp.Assignment, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse set payload: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty set payload")
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]lvp.Assignment, 0, len(names))
	for _, name := range names {
		v := raw[name]
		// JSON numbers land as float64; keep integral values integral so
		// the wire carries "10" rather than "1e+01" style noise
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			v = int64(f)
		}
		out = append(out, lvp.Assignment{Name: name, Value: v})
	}
	return out, nil
}
