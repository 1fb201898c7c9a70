// Package membus is an in-process implementation of the relay's local
// bus port: named topics carrying typed JSON messages, plus named
// services completing through success/failure callbacks.
//
// Message schemas are not resolved from strings at runtime; they are
// enumerated up front in a type registry and looked up by identifier.
// The treatment of string-valued payload fields is an explicit codec
// strategy ([TextCodec]) rather than a property of the serializer.
package membus

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"rosrelay/relay"
)

// Kind is the JSON shape a schema field must have.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindDouble Kind = "double"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	KindArray  Kind = "array"
)

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindString, KindInt, KindDouble, KindBool, KindObject, KindArray:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown field kind %q", s)
}

// Type describes one message schema known to the bus: a name and the
// required payload fields with their kinds.
type Type struct {
	Name   string
	Fields map[string]Kind
}

// TextCodec is the policy applied to string-valued payload fields.
type TextCodec interface {
	Name() string
	Valid(s string) bool
}

// UTF8Codec accepts any valid UTF-8 string. The default.
type UTF8Codec struct{}

func (UTF8Codec) Name() string        { return "utf-8" }
func (UTF8Codec) Valid(s string) bool { return utf8.ValidString(s) }

// ASCIICodec accepts 7-bit strings only.
type ASCIICodec struct{}

func (ASCIICodec) Name() string { return "ascii" }
func (ASCIICodec) Valid(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

// ServiceFunc handles one service call.
type ServiceFunc func(args []byte) ([]byte, error)

// Option configures a Bus.
type Option func(*Bus)

// WithTextCodec sets the codec applied to string fields. Defaults to
// UTF8Codec.
func WithTextCodec(c TextCodec) Option {
	return func(b *Bus) { b.codec = c }
}

// Bus is an in-process message bus. Safe for concurrent use.
type Bus struct {
	codec TextCodec

	mu       sync.RWMutex
	types    map[string]Type
	topics   map[string]*topicState
	services map[string]ServiceFunc
	nextID   int
}

type topicState struct {
	msgType string
	subs    map[int]*subscription
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		codec:    UTF8Codec{},
		types:    make(map[string]Type),
		topics:   make(map[string]*topicState),
		services: make(map[string]ServiceFunc),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// RegisterType adds a schema to the registry.
func (b *Bus) RegisterType(t Type) error {
	if t.Name == "" {
		return fmt.Errorf("type name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.types[t.Name]; ok {
		return fmt.Errorf("type %q already registered", t.Name)
	}
	b.types[t.Name] = t
	return nil
}

// RegisterService attaches a handler to a service name, replacing any
// previous handler.
func (b *Bus) RegisterService(name string, fn ServiceFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.services[name] = fn
}

// ResolveType implements relay.Bus.
func (b *Bus) ResolveType(msgType string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.types[msgType]; !ok {
		return fmt.Errorf("type %q is not registered", msgType)
	}
	return nil
}

// Subscribe implements relay.Bus. Callbacks for the subscription are
// delivered in order on a dedicated goroutine; queue bounds how many
// undelivered payloads may be buffered before new ones are dropped.
func (b *Bus) Subscribe(topic, msgType string, queue int, fn func(payload []byte)) (relay.Subscription, error) {
	if queue <= 0 {
		queue = relay.DefaultQueueSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.types[msgType]; !ok {
		return nil, fmt.Errorf("subscribe %s: type %q is not registered", topic, msgType)
	}
	st, err := b.topicLocked(topic, msgType)
	if err != nil {
		return nil, err
	}

	id := b.nextID
	b.nextID++
	s := &subscription{bus: b, topic: topic, id: id, ch: make(chan []byte, queue)}
	st.subs[id] = s
	s.wg.Add(1)
	go s.deliver(fn)
	return s, nil
}

// Publisher implements relay.Bus.
func (b *Bus) Publisher(topic, msgType string, queue int) (relay.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.types[msgType]
	if !ok {
		return nil, fmt.Errorf("publisher %s: type %q is not registered", topic, msgType)
	}
	if _, err := b.topicLocked(topic, msgType); err != nil {
		return nil, err
	}
	return &publisher{bus: b, topic: topic, typ: t}, nil
}

// CallService implements relay.Bus. The handler runs on its own
// goroutine; exactly one of the callbacks fires, once.
func (b *Bus) CallService(name string, args []byte, onSuccess func(result []byte), onFailure func(err error)) {
	b.mu.RLock()
	fn, ok := b.services[name]
	b.mu.RUnlock()

	go func() {
		if !ok {
			onFailure(fmt.Errorf("no service registered as %q", name))
			return
		}
		result, err := fn(args)
		if err != nil {
			onFailure(err)
			return
		}
		onSuccess(result)
	}()
}

// Inject validates and delivers a payload to topic's subscribers, as a
// local publisher on the bus would. Intended for tests and tooling.
func (b *Bus) Inject(topic, msgType string, payload []byte) error {
	b.mu.RLock()
	t, ok := b.types[msgType]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inject %s: type %q is not registered", topic, msgType)
	}
	if err := b.validate(t, payload); err != nil {
		return fmt.Errorf("inject %s: %w", topic, err)
	}
	b.deliver(topic, payload)
	return nil
}

// topicLocked returns topic's state, creating it on first use. The
// first binding fixes the topic's message type; later bindings with a
// different type are rejected. Requires b.mu.
func (b *Bus) topicLocked(topic, msgType string) (*topicState, error) {
	st, ok := b.topics[topic]
	if !ok {
		st = &topicState{msgType: msgType, subs: make(map[int]*subscription)}
		b.topics[topic] = st
		return st, nil
	}
	if st.msgType != msgType {
		return nil, fmt.Errorf("topic %s carries %q, not %q", topic, st.msgType, msgType)
	}
	return st, nil
}

// deliver fans a payload out to every open subscription on topic,
// non-blocking: a full subscription queue drops the payload for that
// subscriber only.
func (b *Bus) deliver(topic string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.topics[topic]
	if !ok {
		return
	}
	for _, s := range st.subs {
		buf := append([]byte(nil), payload...)
		select {
		case s.ch <- buf:
		default:
		}
	}
}

// validate checks payload against the schema: required fields present
// with the right JSON kind, no unknown fields, and string fields valid
// under the configured codec.
func (b *Bus) validate(t Type, payload []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", err)
	}

	for name, kind := range t.Fields {
		raw, ok := fields[name]
		if !ok {
			return fmt.Errorf("field %q (%s) is missing", name, kind)
		}
		if err := b.validateField(name, kind, raw); err != nil {
			return err
		}
	}
	for name := range fields {
		if _, ok := t.Fields[name]; !ok {
			return fmt.Errorf("field %q is not part of %s", name, t.Name)
		}
	}
	return nil
}

func (b *Bus) validateField(name string, kind Kind, raw json.RawMessage) error {
	switch kind {
	case KindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("field %q is not a string", name)
		}
		if !b.codec.Valid(s) {
			return fmt.Errorf("field %q is not valid %s", name, b.codec.Name())
		}
	case KindInt:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("field %q is not a number", name)
		}
		if math.Trunc(v) != v {
			return fmt.Errorf("field %q is not an integer", name)
		}
	case KindDouble:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("field %q is not a number", name)
		}
	case KindBool:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("field %q is not a bool", name)
		}
	case KindObject:
		var v map[string]json.RawMessage
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("field %q is not an object", name)
		}
	case KindArray:
		var v []json.RawMessage
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("field %q is not an array", name)
		}
	default:
		return fmt.Errorf("field %q has unknown kind %q", name, kind)
	}
	return nil
}

type subscription struct {
	bus    *Bus
	topic  string
	id     int
	ch     chan []byte
	closed atomic.Bool
	wg     sync.WaitGroup
}

func (s *subscription) deliver(fn func([]byte)) {
	defer s.wg.Done()
	for payload := range s.ch {
		if s.closed.Load() {
			continue
		}
		fn(payload)
	}
}

// Close detaches the subscription. No callbacks fire after Close
// returns, including for payloads still buffered.
func (s *subscription) Close() error {
	s.closed.Store(true)

	s.bus.mu.Lock()
	if st, ok := s.bus.topics[s.topic]; ok {
		if _, live := st.subs[s.id]; live {
			delete(st.subs, s.id)
			close(s.ch)
		}
	}
	s.bus.mu.Unlock()

	s.wg.Wait()
	return nil
}

type publisher struct {
	bus    *Bus
	topic  string
	typ    Type
	closed atomic.Bool
}

// Publish validates payload against the handle's schema and delivers it
// to subscribers.
func (p *publisher) Publish(payload []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("publisher for %s is closed", p.topic)
	}
	if err := p.bus.validate(p.typ, payload); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	p.bus.deliver(p.topic, payload)
	return nil
}

func (p *publisher) Close() error {
	p.closed.Store(true)
	return nil
}
