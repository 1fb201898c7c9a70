// Package cloudstub is an in-memory cloud.Transport for tests and
// loopback development: pushed documents, messages, and method
// invocations are delivered synchronously to the registered handlers,
// and sent envelopes are recorded.
package cloudstub

import (
	"context"
	"fmt"
	"sync"

	"rosrelay/relay"
)

type Transport struct {
	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	onDesired func(doc []byte)
	onMessage func(env relay.Envelope) error
	onCommand func(method string, args []byte) (int, []byte)
	sent      []relay.Envelope
}

// New returns a transport that reports ready as soon as Run starts;
// there is no real connection to wait for.
func New() *Transport { return &Transport{ready: make(chan struct{})} }

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

func (t *Transport) Send(env relay.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, env)
	return nil
}

func (t *Transport) Ready() <-chan struct{} { return t.ready }

// Run blocks until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	t.readyOnce.Do(func() { close(t.ready) })
	<-ctx.Done()
	return ctx.Err()
}

// PushDesiredState delivers a desired-state document. By the time it
// returns, the handler has run.
func (t *Transport) PushDesiredState(doc []byte) error {
	t.mu.Lock()
	fn := t.onDesired
	t.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("no desired-state handler registered")
	}
	fn(doc)
	return nil
}

// PushMessage delivers one cloud-inbound envelope.
func (t *Transport) PushMessage(env relay.Envelope) error {
	t.mu.Lock()
	fn := t.onMessage
	t.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("no message handler registered")
	}
	return fn(env)
}

// InvokeMethod delivers a method invocation and returns what the
// handler reported.
func (t *Transport) InvokeMethod(method string, args []byte) (int, []byte, error) {
	t.mu.Lock()
	fn := t.onCommand
	t.mu.Unlock()
	if fn == nil {
		return 0, nil, fmt.Errorf("no command handler registered")
	}
	status, body := fn(method, args)
	return status, body, nil
}

// Sent returns a copy of every envelope passed to Send.
func (t *Transport) Sent() []relay.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]relay.Envelope, len(t.sent))
	copy(out, t.sent)
	return out
}
