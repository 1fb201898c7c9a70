package relay

import (
	"fmt"
	"log/slog"
)

// Entity owns the live local-bus bindings for one relayed topic: at most
// one subscription (modes that forward local traffic to the cloud) and
// at most one publish handle (modes that publish cloud traffic locally).
//
// Entities are created and mutated only by their owning [Registry],
// under its lock. They are destroyed only at process teardown; there is
// no per-topic deletion path.
type Entity struct {
	desc   Descriptor
	bus    Bus
	uplink Uplink
	queue  int
	log    *slog.Logger

	sub Subscription
	pub Publisher
}

// newEntity validates the descriptor's message type against the bus and
// performs the initial bind.
func newEntity(desc Descriptor, bus Bus, uplink Uplink, queue int, log *slog.Logger) (*Entity, error) {
	if err := bus.ResolveType(desc.MsgType); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchema, desc.MsgType, err)
	}

	e := &Entity{desc: desc, bus: bus, uplink: uplink, queue: queue, log: log}
	if err := e.rebind(); err != nil {
		return nil, err
	}
	return e, nil
}

// Descriptor returns the entity's current descriptor. Like every other
// entity accessor it is only meaningful under the registry's lock; use
// [Registry.Descriptors] for a consistent snapshot.
func (e *Entity) Descriptor() Descriptor { return e.desc }

// rebind tears down whatever handles the entity holds and acquires
// exactly the set its current mode requires. It is idempotent and leaks
// no handles across repeated calls. On error the entity holds no
// handles at all; a rebind is never observable half-applied.
func (e *Entity) rebind() error {
	if e.sub != nil {
		if err := e.sub.Close(); err != nil {
			e.log.Warn("closing subscription", "topic", e.desc.Topic, "err", err)
		}
		e.sub = nil
	}
	if e.pub != nil {
		if err := e.pub.Close(); err != nil {
			e.log.Warn("closing publisher", "topic", e.desc.Topic, "err", err)
		}
		e.pub = nil
	}

	// The forwarding closure captures a copy of the descriptor: bus
	// callbacks run on bus goroutines and must not read entity fields
	// that mutate under the registry lock.
	desc := e.desc
	uplink := e.uplink

	if desc.Mode.Subscribes() {
		sub, err := e.bus.Subscribe(desc.Topic, desc.MsgType, e.queue, func(payload []byte) {
			uplink.Forward(Envelope{Topic: desc.Topic, MsgType: desc.MsgType, Payload: payload})
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", desc.Topic, err)
		}
		e.sub = sub
	}

	if desc.Mode.Publishes() {
		pub, err := e.bus.Publisher(desc.Topic, desc.MsgType, e.queue)
		if err != nil {
			if e.sub != nil {
				_ = e.sub.Close()
				e.sub = nil
			}
			return fmt.Errorf("acquire publisher %s: %w", desc.Topic, err)
		}
		e.pub = pub
	}
	return nil
}

// deliverFromCloud publishes a cloud-originated envelope onto the local
// bus. Envelopes whose topic or message type disagree with the
// descriptor are rejected with ErrChannelMismatch; envelopes for an
// entity without a local publish handle are rejected as well. Either
// way the message is dropped, never published partially.
func (e *Entity) deliverFromCloud(env Envelope) error {
	if env.Topic != e.desc.Topic || env.MsgType != e.desc.MsgType {
		return fmt.Errorf("%w: got %s (%s), entity is %s (%s)",
			ErrChannelMismatch, env.Topic, env.MsgType, e.desc.Topic, e.desc.MsgType)
	}
	if e.pub == nil {
		return fmt.Errorf("topic %s relays local traffic only (%s)", e.desc.Topic, e.desc.Mode)
	}
	if err := e.pub.Publish(env.Payload); err != nil {
		return fmt.Errorf("publish %s locally: %w", e.desc.Topic, err)
	}
	return nil
}
