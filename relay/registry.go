package relay

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"rosrelay/internal/check"
)

// DefaultQueueSize bounds per-subscription buffering and the uplink
// queue when no size is configured. Matches the original node's
// subscription queue depth.
const DefaultQueueSize = 10

// Registry is the authoritative set of relay entities, keyed by topic.
// It is the sole owner of every [Entity]; at most one entity exists per
// topic at all times.
//
// A single mutex makes registry mutation, mode change, rebind, and the
// persistence snapshot one logical transaction: concurrent callers from
// bus goroutines, cloud callbacks, and the startup restore path never
// observe a partially applied change.
type Registry struct {
	bus    Bus
	uplink Uplink
	store  StateStore
	queue  int
	log    *slog.Logger

	mu       sync.Mutex
	entities map[string]*Entity
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStateStore sets the persistence backend. Without one, the
// registry keeps state in memory only.
func WithStateStore(s StateStore) RegistryOption {
	check.Assert(s != nil, "WithStateStore: store must not be nil")
	return func(r *Registry) { r.store = s }
}

// WithQueueSize bounds per-subscription buffering for entities created
// by this registry.
func WithQueueSize(n int) RegistryOption {
	check.Assertf(n > 0, "WithQueueSize: size %d must be positive", n)
	return func(r *Registry) { r.queue = n }
}

// WithLogger sets the registry's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) RegistryOption {
	check.Assert(log != nil, "WithLogger: logger must not be nil")
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates an empty registry bound to the given bus and
// uplink.
func NewRegistry(bus Bus, uplink Uplink, opts ...RegistryOption) *Registry {
	check.Assert(bus != nil, "NewRegistry: bus must not be nil")
	check.Assert(uplink != nil, "NewRegistry: uplink must not be nil")

	r := &Registry{
		bus:      bus,
		uplink:   uplink,
		queue:    DefaultQueueSize,
		log:      slog.Default(),
		entities: make(map[string]*Entity),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Find returns the entity for topic, if one exists. No side effects.
func (r *Registry) Find(topic string) (*Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[topic]
	return e, ok
}

// Len returns the number of registered entities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities)
}

// Register creates or updates the entity for topic.
//
// Absent topics get a new, fully bound entity. A present entity with the
// same mode, or already bidirectional, is left untouched; repeated
// desired-state pushes must not thrash live subscriptions. A present
// entity with a different, non-bidirectional mode is mutated in place
// and rebound. Every successful mutation writes a persistence snapshot
// before Register returns.
func (r *Registry) Register(topic, msgType string, mode Mode) (*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(topic, msgType, mode)
}

// register requires r.mu.
func (r *Registry) register(topic, msgType string, mode Mode) (*Entity, error) {
	if topic == "" {
		return nil, fmt.Errorf("register: topic is required")
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("register %s: invalid mode %d", topic, int(mode))
	}

	if e, ok := r.entities[topic]; ok {
		if msgType != "" && msgType != e.desc.MsgType {
			// The topic keeps its original binding type; a conflicting
			// desired-state entry does not rebind schemas.
			r.log.Warn("ignoring msg_type change for registered topic",
				"topic", topic, "bound", e.desc.MsgType, "requested", msgType)
		}
		if e.desc.Mode == mode || e.desc.Mode == ModeBidirectional {
			return e, nil
		}

		prev := e.desc.Mode
		e.desc.Mode = mode
		if err := e.rebind(); err != nil {
			e.desc.Mode = prev
			if rbErr := e.rebind(); rbErr != nil {
				r.log.Error("rollback rebind failed, topic left unbound",
					"topic", topic, "err", rbErr)
			}
			return nil, fmt.Errorf("rebind %s as %s: %w", topic, mode, err)
		}
		r.log.Info("relay mode changed", "topic", topic, "from", prev, "to", mode)
		r.snapshotLocked()
		return e, nil
	}

	e, err := newEntity(Descriptor{Topic: topic, MsgType: msgType, Mode: mode}, r.bus, r.uplink, r.queue, r.log)
	if err != nil {
		return nil, err
	}
	r.entities[topic] = e
	r.log.Info("relay registered", "topic", topic, "msg_type", msgType, "mode", mode)
	r.snapshotLocked()
	return e, nil
}

// Deliver routes an inbound cloud envelope to its entity and publishes
// it locally. A topic never seen before is auto-created with
// [ModeToLocal], so cloud-originated topics get at-least-once local
// delivery even when the desired state never named them.
func (r *Registry) Deliver(env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[env.Topic]
	if !ok {
		var err error
		e, err = r.register(env.Topic, env.MsgType, ModeToLocal)
		if err != nil {
			return fmt.Errorf("auto-create relay for %s: %w", env.Topic, err)
		}
	}
	return e.deliverFromCloud(env)
}

// Restore replays persisted descriptors in stored order. It runs once
// at startup, before the bus and cloud callbacks are wired live.
// Per-descriptor failures are logged and skipped; one stale descriptor
// never aborts recovery of the rest.
func (r *Registry) Restore(descriptors []Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range descriptors {
		if _, err := r.register(d.Topic, d.MsgType, d.Mode); err != nil {
			r.log.Error("restore relay", "topic", d.Topic, "err", err)
		}
	}
}

// Descriptors returns a snapshot of all registered descriptors, sorted
// by topic.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descriptorsLocked()
}

// Snapshot writes the current descriptor set to the state store, if one
// is configured. Write failures are logged, never fatal.
func (r *Registry) Snapshot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshotLocked()
}

// descriptorsLocked requires r.mu.
func (r *Registry) descriptorsLocked() []Descriptor {
	out := make([]Descriptor, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// snapshotLocked requires r.mu.
func (r *Registry) snapshotLocked() {
	if r.store == nil {
		return
	}
	if err := r.store.Write(r.descriptorsLocked()); err != nil {
		r.log.Error("persist relay state", "err", err)
	}
}
