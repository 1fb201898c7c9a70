package relay

import (
	"context"
	"log/slog"
	"sync/atomic"

	"rosrelay/internal/check"
)

// SendFunc delivers one envelope to the cloud transport. It may block
// and may fail; the uplink isolates callers from both.
type SendFunc func(env Envelope) error

// QueuedUplink decouples bus callback goroutines from the cloud
// transport. Forward enqueues and returns immediately, never blocking
// a publishing thread, and a single sender goroutine drains the queue
// in order. When the queue is full the envelope is dropped and counted;
// forwarding is fire-and-forget and no delivery confirmation is awaited
// by the caller.
type QueuedUplink struct {
	send SendFunc
	ch   chan Envelope
	log  *slog.Logger

	dropped   atomic.Uint64
	confirmed atomic.Uint64
}

// NewQueuedUplink creates an uplink with the given queue depth.
func NewQueuedUplink(send SendFunc, queue int, log *slog.Logger) *QueuedUplink {
	check.Assert(send != nil, "NewQueuedUplink: send must not be nil")
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &QueuedUplink{send: send, ch: make(chan Envelope, queue), log: log}
}

// Forward enqueues env for delivery to the cloud. Never blocks.
func (u *QueuedUplink) Forward(env Envelope) {
	select {
	case u.ch <- env:
	default:
		n := u.dropped.Add(1)
		u.log.Warn("uplink queue full, dropping message", "topic", env.Topic, "dropped_total", n)
	}
}

// Run drains the queue until ctx is cancelled. Send failures are logged
// and the envelope is discarded; successful sends bump a running
// confirmation count.
func (u *QueuedUplink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-u.ch:
			if err := u.send(env); err != nil {
				u.log.Warn("cloud send failed", "topic", env.Topic, "err", err)
				continue
			}
			u.log.Debug("cloud send confirmed", "topic", env.Topic, "confirmed_total", u.confirmed.Add(1))
		}
	}
}

// Dropped returns the number of envelopes discarded because the queue
// was full.
func (u *QueuedUplink) Dropped() uint64 { return u.dropped.Load() }

// Confirmed returns the number of envelopes successfully handed to the
// transport.
func (u *QueuedUplink) Confirmed() uint64 { return u.confirmed.Load() }
