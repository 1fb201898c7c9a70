// Package daemon wires the relay core to its local bus, cloud
// transport, and state store, and drives them until shutdown.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"rosrelay/config"
	"rosrelay/internal/cloud"
	"rosrelay/relay"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

type Daemon struct {
	cfg       *config.Config
	transport cloud.Transport
	registry  *relay.Registry
	uplink    *relay.QueuedUplink
	log       *slog.Logger
}

// New assembles the relay pipeline. It restores the persisted relay
// sequence and registers the cloud callbacks, so by the time it
// returns the transport only needs to be run.
func New(cfg *config.Config, bus relay.Bus, transport cloud.Transport, store relay.StateStore, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}

	uplink := relay.NewQueuedUplink(transport.Send, cfg.QueueSize, log)
	registry := relay.NewRegistry(bus, uplink,
		relay.WithStateStore(store),
		relay.WithQueueSize(cfg.QueueSize),
		relay.WithLogger(log),
	)

	if descs, ok, err := store.Read(); err != nil {
		log.Error("reading persisted relays", "error", err)
	} else if ok {
		registry.Restore(descs)
		log.Info("restored relay sequence", "relays", registry.Len())
	}

	reconciler := &relay.Reconciler{
		Registry: registry,
		Bus:      bus,
		Tracer:   otel.Tracer("rosrelay"),
		Log:      log,
	}
	bridge := &relay.Bridge{
		Bus:           bus,
		SuccessStatus: cfg.SuccessStatus,
		FailureStatus: cfg.FailureStatus,
		Timeout:       time.Duration(cfg.MethodTimeout),
		Log:           log,
	}

	transport.SetDesiredStateHandler(func(doc []byte) {
		if err := reconciler.Apply(context.Background(), doc); err != nil {
			log.Error("applying desired state", "error", err)
		}
	})
	transport.SetMessageHandler(registry.Deliver)
	transport.SetCommandHandler(bridge.Invoke)

	return &Daemon{
		cfg:       cfg,
		transport: transport,
		registry:  registry,
		uplink:    uplink,
		log:       log,
	}, nil
}

// Registry exposes the live relay set for inspection.
func (d *Daemon) Registry() *relay.Registry { return d.registry }

// Run drives the uplink drain loop and the cloud transport until ctx
// is cancelled, then snapshots the relay sequence one last time.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.uplink.Run(ctx) })
	g.Go(func() error { return d.transport.Run(ctx) })

	// Readiness means the cloud channel is actually connected, not just
	// that the goroutines are up.
	go func() {
		select {
		case <-d.transport.Ready():
			if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
				d.log.Error("notifying systemd of readiness", "error", err)
			}
		case <-ctx.Done():
		}
	}()

	err := g.Wait()
	d.registry.Snapshot()
	d.log.Info("relay stopped",
		"forwarded", d.uplink.Confirmed(),
		"dropped", d.uplink.Dropped(),
	)
	return err
}
