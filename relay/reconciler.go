package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Reconciler applies cloud-pushed desired-state documents to a
// [Registry]. One malformed entry never aborts the rest of a document:
// reconciliation is partial-failure tolerant, entry by entry.
type Reconciler struct {
	Registry *Registry
	Bus      Bus          // used for bridged parameter configurations
	Tracer   trace.Tracer // optional
	Log      *slog.Logger // optional, defaults to slog.Default
}

// desiredDocument mirrors the desired-state JSON. Both the generalized
// field names and the original device-twin names are accepted, and a
// full twin document wrapping everything in "desired" is unwrapped.
type desiredDocument struct {
	Desired *desiredDocument `json:"desired"`

	Relays    map[string]relayEntry `json:"relays"`
	RosRelays map[string]relayEntry `json:"ros_relays"`

	// Raw because the field appears in two shapes on the wire; see
	// decodeConfigurations.
	Configurations json.RawMessage `json:"configurations"`
	RosDynamic     json.RawMessage `json:"ros_dynamic_configurations"`
}

type relayEntry struct {
	Topic     string          `json:"topic"`
	MsgType   string          `json:"msg_type"`
	RelayMode json.RawMessage `json:"relay_mode"`
}

// configEntry is a bridged parameter assignment: set param on node to
// value, interpreted as the named type.
type configEntry struct {
	Node  string `json:"node"`
	Param string `json:"param"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// paramConfig is the argument shape of a <node>/set_parameters service
// call, one slice per parameter type.
type paramConfig struct {
	Strs    []param[string]  `json:"strs,omitempty"`
	Ints    []param[int]     `json:"ints,omitempty"`
	Doubles []param[float64] `json:"doubles,omitempty"`
	Bools   []param[bool]    `json:"bools,omitempty"`
}

type param[T any] struct {
	Name  string `json:"name"`
	Value T      `json:"value"`
}

func (rc *Reconciler) logger() *slog.Logger {
	if rc.Log != nil {
		return rc.Log
	}
	return slog.Default()
}

func (rc *Reconciler) tracer() trace.Tracer {
	if rc.Tracer != nil {
		return rc.Tracer
	}
	return noop.NewTracerProvider().Tracer("relay")
}

// Apply reconciles the registry against one desired-state document.
//
// Relay entries are applied in deterministic key order. Entries with a
// missing topic or an unparseable relay_mode are skipped with a logged
// error; entries the registry rejects (for example an unresolvable
// message type) are skipped the same way. Bridged parameter
// configurations are applied after the relays, with the same per-entry
// isolation. A persistence snapshot is written unconditionally after
// the document has been processed, whether fully or partially.
//
// The returned error is non-nil only when the document itself cannot be
// parsed; per-entry failures are not errors at this level.
func (rc *Reconciler) Apply(ctx context.Context, doc []byte) error {
	log := rc.logger()

	ctx, span := rc.tracer().Start(ctx, "relay.reconcile")
	defer span.End()

	// The snapshot happens even when the document is garbage. A bad
	// push must not leave the persisted state behind the live registry.
	defer rc.Registry.Snapshot()

	var d desiredDocument
	if err := json.Unmarshal(doc, &d); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "unparseable desired state")
		return fmt.Errorf("parse desired state: %w", err)
	}
	if d.Desired != nil {
		d = *d.Desired
	}

	relays := d.Relays
	if len(relays) == 0 {
		relays = d.RosRelays
	}
	keys := make([]string, 0, len(relays))
	for k := range relays {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	applied, skipped := 0, 0
	for _, key := range keys {
		entry := relays[key]
		if err := rc.applyRelay(entry); err != nil {
			skipped++
			log.Error("skipping desired-state entry", "key", key, "topic", entry.Topic, "err", err)
			span.AddEvent("entry.skipped", trace.WithAttributes(
				attribute.String("key", key),
				attribute.String("topic", entry.Topic),
				attribute.String("error", err.Error()),
			))
			continue
		}
		applied++
	}

	rawConfigs := d.Configurations
	if len(rawConfigs) == 0 {
		rawConfigs = d.RosDynamic
	}
	configs, err := decodeConfigurations(rawConfigs)
	if err != nil {
		// The relays above have already been applied; a malformed
		// configurations field never takes them down with it.
		log.Error("skipping configurations", "err", err)
		span.AddEvent("configurations.skipped", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
	}
	for _, named := range configs {
		if err := rc.applyConfiguration(named.entry); err != nil {
			log.Error("skipping configuration entry",
				"key", named.key, "node", named.entry.Node, "param", named.entry.Param, "err", err)
			span.AddEvent("configuration.skipped", trace.WithAttributes(
				attribute.String("key", named.key),
				attribute.String("node", named.entry.Node),
				attribute.String("error", err.Error()),
			))
		}
	}

	span.SetAttributes(
		attribute.Int("relay.applied", applied),
		attribute.Int("relay.skipped", skipped),
	)
	log.Info("desired state reconciled", "applied", applied, "skipped", skipped)
	return nil
}

type namedConfig struct {
	key   string
	entry configEntry
}

// decodeConfigurations accepts both shapes the configurations field
// takes on the wire: the device twin carries a JSON object keyed by
// arbitrary entry names, while a plain array is also tolerated. Object
// entries come back in sorted key order so application is
// deterministic; array entries keep their positions as keys.
func decodeConfigurations(raw json.RawMessage) ([]namedConfig, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var byName map[string]configEntry
	if err := json.Unmarshal(raw, &byName); err == nil {
		keys := make([]string, 0, len(byName))
		for k := range byName {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make([]namedConfig, 0, len(keys))
		for _, k := range keys {
			out = append(out, namedConfig{key: k, entry: byName[k]})
		}
		return out, nil
	}

	var list []configEntry
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("configurations are neither an object nor an array")
	}
	out := make([]namedConfig, 0, len(list))
	for i, entry := range list {
		out = append(out, namedConfig{key: strconv.Itoa(i), entry: entry})
	}
	return out, nil
}

func (rc *Reconciler) applyRelay(entry relayEntry) error {
	if entry.Topic == "" {
		return fmt.Errorf("topic is missing")
	}
	mode, err := ParseMode(entry.RelayMode)
	if err != nil {
		return err
	}
	if _, err := rc.Registry.Register(entry.Topic, entry.MsgType, mode); err != nil {
		return err
	}
	return nil
}

// applyConfiguration bridges one parameter assignment to a synchronous
// <node>/set_parameters service call, mirroring the original node's
// dynamic-reconfigure handling.
func (rc *Reconciler) applyConfiguration(entry configEntry) error {
	if entry.Node == "" || entry.Param == "" || entry.Type == "" || entry.Value == "" {
		return fmt.Errorf("node, param, type, and value are all required")
	}
	if rc.Bus == nil {
		return fmt.Errorf("no bus available for configuration calls")
	}

	var cfg paramConfig
	switch entry.Type {
	case "string":
		cfg.Strs = append(cfg.Strs, param[string]{Name: entry.Param, Value: entry.Value})
	case "int":
		v, err := strconv.Atoi(entry.Value)
		if err != nil {
			return fmt.Errorf("value %q is not an int", entry.Value)
		}
		cfg.Ints = append(cfg.Ints, param[int]{Name: entry.Param, Value: v})
	case "double":
		v, err := strconv.ParseFloat(entry.Value, 64)
		if err != nil {
			return fmt.Errorf("value %q is not a double", entry.Value)
		}
		cfg.Doubles = append(cfg.Doubles, param[float64]{Name: entry.Param, Value: v})
	case "bool":
		v, err := strconv.ParseBool(entry.Value)
		if err != nil {
			return fmt.Errorf("value %q is not a bool", entry.Value)
		}
		cfg.Bools = append(cfg.Bools, param[bool]{Name: entry.Param, Value: v})
	default:
		return fmt.Errorf("unknown parameter type %q", entry.Type)
	}

	args, err := json.Marshal(paramAssignment{Config: cfg})
	if err != nil {
		return fmt.Errorf("marshal parameter config: %w", err)
	}

	done := make(chan error, 1)
	rc.Bus.CallService(entry.Node+"/set_parameters", args,
		func([]byte) { done <- nil },
		func(err error) { done <- err },
	)
	if err := <-done; err != nil {
		return fmt.Errorf("set_parameters on %s: %w", entry.Node, err)
	}
	rc.logger().Info("parameter configured",
		"node", entry.Node, "param", entry.Param, "type", entry.Type, "value", entry.Value)
	return nil
}

// paramAssignment wraps the config the way the set_parameters service
// expects it.
type paramAssignment struct {
	Config paramConfig `json:"config"`
}
