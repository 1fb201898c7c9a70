package relay

import (
	"encoding/json"
	"time"
)

// Envelope is the wire shape shared by cloud-inbound and cloud-outbound
// messages: a topic, the payload's schema identifier, and the payload
// itself as schema-specific JSON.
type Envelope struct {
	Topic   string          `json:"topic"`
	MsgType string          `json:"msg_type"`
	Payload json.RawMessage `json:"payload"`
}

// Subscription is a live local-bus subscription handle. Close releases
// it; no further callbacks fire after Close returns.
type Subscription interface {
	Close() error
}

// Publisher is a live local-bus publish handle for one topic.
type Publisher interface {
	// Publish decodes payload against the handle's message type and
	// delivers it to local subscribers. Payloads that do not decode are
	// rejected with an error and nothing is delivered.
	Publish(payload []byte) error
	Close() error
}

// Bus is the local publish/subscribe bus the relay attaches to. The bus
// delivers subscription callbacks on its own goroutines, one per
// subscription, and completes service calls asynchronously through the
// success or failure callback (exactly one of the two fires, once).
type Bus interface {
	// ResolveType reports whether msgType names a schema the bus can
	// (de)serialize. A non-nil error rejects the descriptor before any
	// binding is attempted.
	ResolveType(msgType string) error

	// Subscribe attaches fn to topic. queue bounds the number of
	// undelivered messages buffered for this subscription.
	Subscribe(topic, msgType string, queue int, fn func(payload []byte)) (Subscription, error)

	// Publisher acquires a publish handle for topic.
	Publisher(topic, msgType string, queue int) (Publisher, error)

	// CallService dispatches a named local service call. The call
	// completes on a bus goroutine via exactly one of the callbacks.
	CallService(name string, args []byte, onSuccess func(result []byte), onFailure func(err error))
}

// Uplink carries envelopes toward the cloud channel. Forward is
// fire-and-forget: it must return without blocking the calling
// goroutine, dropping the envelope if it cannot be queued.
type Uplink interface {
	Forward(env Envelope)
}

// StateStore persists the registry's descriptor sequence across process
// restarts. Write replaces the stored sequence; Read returns it in
// stored order, reporting ok=false when nothing has been written yet.
type StateStore interface {
	Write(descriptors []Descriptor) error
	Read() (descriptors []Descriptor, ok bool, err error)
}

// Clock abstracts time.Now for tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
