// Package iothub connects the relay to an Azure IoT Hub device
// identity over MQTT: twin desired-state patches, cloud-to-device
// messages, direct methods, and device-to-cloud events.
package iothub

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rosrelay/relay"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	apiVersion     = "2021-04-12"
	connectTimeout = 30 * time.Second
	sendTimeout    = 10 * time.Second

	twinResponseFilter = "$iothub/twin/res/#"
	twinPatchFilter    = "$iothub/twin/PATCH/properties/desired/#"
	methodFilter       = "$iothub/methods/POST/#"
)

// Transport implements the cloud channel over the IoT Hub MQTT surface.
type Transport struct {
	cs    ConnString
	log   *slog.Logger
	clock relay.Clock

	mu        sync.Mutex
	onDesired func(doc []byte)
	onMessage func(env relay.Envelope) error
	onCommand func(method string, args []byte) (int, []byte)

	client    mqtt.Client
	rid       atomic.Uint64
	ready     chan struct{}
	readyOnce sync.Once
}

func NewTransport(cs ConnString, clock relay.Clock, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = relay.RealClock{}
	}
	t := &Transport{cs: cs, log: log, clock: clock, ready: make(chan struct{})}

	opts := mqtt.NewClientOptions().
		AddBroker("tls://" + cs.HostName + ":8883").
		SetClientID(cs.DeviceID).
		SetUsername(cs.HostName + "/" + cs.DeviceID + "/?api-version=" + apiVersion).
		SetCredentialsProvider(func() (string, string) {
			return cs.HostName + "/" + cs.DeviceID + "/?api-version=" + apiVersion,
				SASToken(cs, clock.Now().Add(defaultTokenTTL))
		}).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("cloud connection lost", "error", err)
		})

	t.client = mqtt.NewClient(opts)
	return t
}

func (t *Transport) SetDesiredStateHandler(fn func(doc []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDesired = fn
}

func (t *Transport) SetMessageHandler(fn func(env relay.Envelope) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

func (t *Transport) SetCommandHandler(fn func(method string, args []byte) (int, []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommand = fn
}

// Send publishes one device-to-cloud event. Topic and message type ride
// in the property bag so subscribers can route without parsing the body.
func (t *Transport) Send(env relay.Envelope) error {
	topic := fmt.Sprintf("devices/%s/messages/events/%s", t.cs.DeviceID, encodeProperties(env))
	token := t.client.Publish(topic, 1, false, []byte(env.Payload))
	if !token.WaitTimeout(sendTimeout) {
		return fmt.Errorf("publishing to %s: timed out", env.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", env.Topic, err)
	}
	return nil
}

// Run connects and serves until ctx is cancelled. Subscriptions and the
// initial twin request happen in the on-connect handler so they are
// reissued after every reconnect.
func (t *Transport) Run(ctx context.Context) error {
	token := t.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connecting to %s: timed out", t.cs.HostName)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", t.cs.HostName, err)
	}

	<-ctx.Done()
	t.client.Disconnect(250)
	return ctx.Err()
}

// Ready implements cloud.Transport. The channel closes on the first
// successful connect, reconnects do not reopen it.
func (t *Transport) Ready() <-chan struct{} { return t.ready }

func (t *Transport) onConnect(c mqtt.Client) {
	t.log.Info("cloud connection established", "host", t.cs.HostName, "device", t.cs.DeviceID)
	t.readyOnce.Do(func() { close(t.ready) })

	subs := map[string]mqtt.MessageHandler{
		twinResponseFilter: t.handleTwinResponse,
		twinPatchFilter:    t.handleTwinPatch,
		methodFilter:       t.handleMethod,
		fmt.Sprintf("devices/%s/messages/devicebound/#", t.cs.DeviceID): t.handleDevicebound,
	}
	for filter, handler := range subs {
		t.awaitSubscribe(c.Subscribe(filter, 1, handler), filter)
	}

	// Patches only carry changes made while connected; a fresh GET
	// replays the full desired state after every (re)connect.
	rid := t.rid.Add(1)
	c.Publish(fmt.Sprintf("$iothub/twin/GET/?$rid=%d", rid), 1, false, nil)
}

// awaitSubscribe waits for a subscription token and logs a timeout or a
// broker rejection. The connection stays up either way; a missing
// subscription is a degraded device, not a dead one.
func (t *Transport) awaitSubscribe(tok mqtt.Token, filter string) {
	if !tok.WaitTimeout(sendTimeout) {
		t.log.Error("cloud subscribe timed out", "filter", filter, "timeout", sendTimeout)
		return
	}
	if err := tok.Error(); err != nil {
		t.log.Error("cloud subscribe failed", "filter", filter, "error", err)
	}
}

func (t *Transport) handleTwinResponse(_ mqtt.Client, msg mqtt.Message) {
	status, _, ok := parseTwinResponseTopic(msg.Topic())
	if !ok {
		t.log.Warn("unparseable twin response topic", "topic", msg.Topic())
		return
	}
	if status >= 300 {
		t.log.Warn("twin request rejected", "status", status)
		return
	}
	if len(msg.Payload()) == 0 {
		return
	}
	t.deliverDesired(msg.Payload())
}

func (t *Transport) handleTwinPatch(_ mqtt.Client, msg mqtt.Message) {
	t.deliverDesired(msg.Payload())
}

func (t *Transport) deliverDesired(doc []byte) {
	t.mu.Lock()
	fn := t.onDesired
	t.mu.Unlock()
	if fn != nil {
		fn(doc)
	}
}

func (t *Transport) handleMethod(c mqtt.Client, msg mqtt.Message) {
	method, rid, ok := parseMethodTopic(msg.Topic())
	if !ok {
		t.log.Warn("unparseable method topic", "topic", msg.Topic())
		return
	}

	t.mu.Lock()
	fn := t.onCommand
	t.mu.Unlock()

	status, body := 501, []byte(`"no command handler"`)
	if fn != nil {
		status, body = fn(method, msg.Payload())
	}
	c.Publish(fmt.Sprintf("$iothub/methods/res/%d/?$rid=%s", status, rid), 1, false, body)
}

func (t *Transport) handleDevicebound(_ mqtt.Client, msg mqtt.Message) {
	props := parseProperties(msg.Topic())
	env := relay.Envelope{
		Topic:   props["topic"],
		MsgType: props["msg_type"],
		Payload: msg.Payload(),
	}

	t.mu.Lock()
	fn := t.onMessage
	t.mu.Unlock()
	if fn == nil {
		return
	}
	if err := fn(env); err != nil {
		t.log.Warn("dropping cloud message", "topic", env.Topic, "error", err)
	}
}

// encodeProperties renders the event property bag appended to the
// publish topic.
func encodeProperties(env relay.Envelope) string {
	v := url.Values{}
	v.Set("topic", env.Topic)
	v.Set("msg_type", env.MsgType)
	return v.Encode()
}

// parseProperties extracts the url-encoded property bag from the last
// segment of a devicebound topic.
func parseProperties(topic string) map[string]string {
	props := map[string]string{}
	idx := strings.LastIndex(topic, "/")
	if idx < 0 {
		return props
	}
	values, err := url.ParseQuery(topic[idx+1:])
	if err != nil {
		return props
	}
	for key := range values {
		props[key] = values.Get(key)
	}
	return props
}

// parseMethodTopic splits "$iothub/methods/POST/{method}/?$rid={rid}".
func parseMethodTopic(topic string) (method, rid string, ok bool) {
	rest, found := strings.CutPrefix(topic, "$iothub/methods/POST/")
	if !found {
		return "", "", false
	}
	method, query, found := strings.Cut(rest, "/?")
	if !found || method == "" {
		return "", "", false
	}
	values, err := url.ParseQuery(query)
	if err != nil || values.Get("$rid") == "" {
		return "", "", false
	}
	return method, values.Get("$rid"), true
}

// parseTwinResponseTopic splits "$iothub/twin/res/{status}/?$rid={rid}".
func parseTwinResponseTopic(topic string) (status int, rid string, ok bool) {
	rest, found := strings.CutPrefix(topic, "$iothub/twin/res/")
	if !found {
		return 0, "", false
	}
	code, query, found := strings.Cut(rest, "/?")
	if !found {
		return 0, "", false
	}
	status, err := strconv.Atoi(code)
	if err != nil {
		return 0, "", false
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return 0, "", false
	}
	return status, values.Get("$rid"), true
}
