// Package relay coordinates message relaying between a local
// publish/subscribe bus and a single cloud channel.
//
// The cloud side pushes relay topology at runtime as a desired-state
// document. A [Registry] owns one [Entity] per relayed topic and
// reconciles live bus bindings against that document without disturbing
// unaffected topics. Cloud method invocations are bridged to synchronous
// local service calls by a [Bridge]. The bus, the cloud transport, and
// the persistence backend are consumed through narrow interfaces defined
// in ports.go.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidSchema marks a descriptor whose message type does not
	// resolve to a known schema on the local bus. The descriptor is
	// rejected before any binding is attempted.
	ErrInvalidSchema = errors.New("message type does not resolve to a schema")

	// ErrChannelMismatch marks a cloud envelope routed to an entity
	// whose descriptor disagrees with the envelope's topic or message
	// type. The message is dropped and reported as rejected upstream.
	ErrChannelMismatch = errors.New("envelope does not match relay descriptor")
)

// Mode selects the direction(s) in which a topic's traffic is mirrored
// between the local bus and the cloud channel.
type Mode int

const (
	// ModeToLocal mirrors cloud traffic onto the local bus only.
	ModeToLocal Mode = 1
	// ModeToCloud mirrors local bus traffic to the cloud only.
	ModeToCloud Mode = 2
	// ModeBidirectional mirrors traffic both ways. It dominates merge
	// decisions: a bidirectional entity is never implicitly downgraded.
	ModeBidirectional Mode = 3
)

// Symbolic mode names accepted in desired-state documents, inherited
// from the original device-twin schema.
const (
	modeNameToLocal       = "RELAY_MODE_TO_ROS"
	modeNameToCloud       = "RELAY_MODE_TO_IOT_HUB"
	modeNameBidirectional = "RELAY_MODE_BIDIRECTIONAL"
)

// Valid reports whether m is one of the three defined modes.
func (m Mode) Valid() bool { return m >= ModeToLocal && m <= ModeBidirectional }

// Subscribes reports whether an entity in this mode holds a local bus
// subscription (local traffic is forwarded to the cloud).
func (m Mode) Subscribes() bool { return m == ModeToCloud || m == ModeBidirectional }

// Publishes reports whether an entity in this mode holds a local publish
// handle (cloud traffic is published locally).
func (m Mode) Publishes() bool { return m == ModeToLocal || m == ModeBidirectional }

func (m Mode) String() string {
	switch m {
	case ModeToLocal:
		return "to-local"
	case ModeToCloud:
		return "to-cloud"
	case ModeBidirectional:
		return "bidirectional"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode decodes the relay_mode field of a desired-state entry. Three
// encodings are accepted, tried in order: a JSON integer in [1,3], a
// numeric string in [1,3], and one of the symbolic names
// RELAY_MODE_TO_ROS, RELAY_MODE_TO_IOT_HUB, RELAY_MODE_BIDIRECTIONAL.
func ParseMode(raw json.RawMessage) (Mode, error) {
	if len(raw) == 0 {
		return 0, errors.New("relay mode is missing")
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		m := Mode(n)
		if !m.Valid() {
			return 0, fmt.Errorf("relay mode %d out of range", n)
		}
		return m, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("relay mode %s is neither a number nor a string", compact(raw))
	}

	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		m := Mode(n)
		if !m.Valid() {
			return 0, fmt.Errorf("relay mode %d out of range", n)
		}
		return m, nil
	}

	switch s {
	case modeNameToLocal:
		return ModeToLocal, nil
	case modeNameToCloud:
		return ModeToCloud, nil
	case modeNameBidirectional:
		return ModeBidirectional, nil
	}
	return 0, fmt.Errorf("unknown relay mode %q", s)
}

// Descriptor identifies one relayed topic: the local channel name, the
// schema of its payloads, and the relay direction. Topic is the unique
// key within a registry.
type Descriptor struct {
	Topic   string
	MsgType string
	Mode    Mode
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s, %s)", d.Topic, d.MsgType, d.Mode)
}

func compact(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > 64 {
		s = s[:64] + "..."
	}
	return s
}
