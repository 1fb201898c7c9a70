// Package cloud defines the transport port between the relay and its
// cloud channel. The transport owns connection, retry, authentication,
// and wire encoding; the relay only registers callbacks and sends
// envelopes.
package cloud

import (
	"context"

	"rosrelay/relay"
)

// Transport is an opaque bidirectional cloud channel.
//
// Handlers must be set before Run is called; the transport delivers
// each kind of callback on its own goroutines. A command handler's
// return values are reported upstream as the method's status and
// response body.
type Transport interface {
	SetDesiredStateHandler(fn func(doc []byte))
	SetMessageHandler(fn func(env relay.Envelope) error)
	SetCommandHandler(fn func(method string, args []byte) (status int, response []byte))

	// Send delivers one envelope to the cloud channel. It may block
	// until the transport has accepted the message.
	Send(env relay.Envelope) error

	// Ready is closed once the transport has established its first
	// connection to the cloud channel.
	Ready() <-chan struct{}

	// Run connects and serves callbacks until ctx is cancelled.
	Run(ctx context.Context) error
}
