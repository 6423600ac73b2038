package connectivity

import (
	"context"
	"fmt"
)

// Transport is the kind of network interface an event refers to.
type Transport int

const (
	TransportWiFi Transport = iota
	TransportCellular
	TransportEthernet
)

func (t Transport) String() string {
	switch t {
	case TransportWiFi:
		return "wifi"
	case TransportCellular:
		return "cellular"
	case TransportEthernet:
		return "ethernet"
	default:
		return fmt.Sprintf("Transport(%d)", int(t))
	}
}

// EventKind tells whether a transport came up or went away.
type EventKind int

const (
	Attached EventKind = iota
	Detached
)

func (k EventKind) String() string {
	if k == Attached {
		return "attached"
	}
	return "detached"
}

// Event is one connectivity transition reported by a Source.
type Event struct {
	Kind      EventKind
	Transport Transport
	// Interface is informational (e.g. "wlan0" or a NetworkManager device path).
	Interface string
}

// ActionKind is the tethering change a transition calls for.
type ActionKind int

const (
	ActionEnable ActionKind = iota
	ActionDisable
)

func (k ActionKind) String() string {
	if k == ActionEnable {
		return "enable"
	}
	return "disable"
}

// Action is emitted by the monitor for each real transition.
type Action struct {
	Kind ActionKind
	// Transport is the transport whose transition produced the action.
	Transport Transport
}

// Source delivers connectivity events for Wi-Fi.
type Source interface {
	// Subscribe starts delivering events. It may be called once; the
	// channel is closed when ctx ends or Close is called.
	Subscribe(ctx context.Context) (<-chan Event, error)
	// Close unregisters the subscription.
	Close() error
}

// Tetherer performs the privileged actions the monitor decides on.
type Tetherer interface {
	EnableTether(ctx context.Context) error
	DisableTether(ctx context.Context) error
}
