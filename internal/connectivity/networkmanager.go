package connectivity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	nmBusName     = "org.freedesktop.NetworkManager"
	nmPath        = "/org/freedesktop/NetworkManager"
	nmIface       = "org.freedesktop.NetworkManager"
	nmDeviceIface = "org.freedesktop.NetworkManager.Device"
	nmDevicesNS   = "/org/freedesktop/NetworkManager/Devices"

	nmDeviceTypeWifi   uint32 = 2
	nmDeviceActivated  uint32 = 100
	nmStateChangedName = "StateChanged"
)

// ErrNetworkManagerAbsent is returned by Subscribe when nothing owns the
// NetworkManager name on the system bus.
var ErrNetworkManagerAbsent = errors.New("NetworkManager is not running on the system bus")

// NMBus is the part of a D-Bus connection the NetworkManager source uses.
type NMBus interface {
	HasName(ctx context.Context, name string) (bool, error)
	Call(ctx context.Context, dest string, path dbus.ObjectPath, iface, method string, args []interface{}, out ...interface{}) error
	GetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error)
	Subscribe(opts ...dbus.MatchOption) (<-chan *dbus.Signal, func(), error)
}

// NetworkManagerSource reports Wi-Fi devices reaching or leaving the
// ACTIVATED state.
type NetworkManagerSource struct {
	bus NMBus

	mu         sync.Mutex
	subscribed bool
	isWifi     map[dbus.ObjectPath]bool
	active     map[dbus.ObjectPath]bool
	unsub      func()
	done       chan struct{}
	closeOnce  sync.Once
}

// NewNetworkManagerSource creates a source on the system bus connection b.
func NewNetworkManagerSource(b NMBus) *NetworkManagerSource {
	return &NetworkManagerSource{
		bus:    b,
		isWifi: make(map[dbus.ObjectPath]bool),
		active: make(map[dbus.ObjectPath]bool),
		done:   make(chan struct{}),
	}
}

// Subscribe registers for device state changes and replays the current
// state of every Wi-Fi device first.
func (s *NetworkManagerSource) Subscribe(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil, fmt.Errorf("networkmanager source already subscribed")
	}
	s.subscribed = true
	s.mu.Unlock()

	present, err := s.bus.HasName(ctx, nmBusName)
	if err != nil {
		return nil, fmt.Errorf("look for NetworkManager: %w", err)
	}
	if !present {
		return nil, ErrNetworkManagerAbsent
	}

	sigCh, unsub, err := s.bus.Subscribe(
		dbus.WithMatchInterface(nmDeviceIface),
		dbus.WithMatchMember(nmStateChangedName),
		dbus.WithMatchPathNamespace(nmDevicesNS),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe to NetworkManager: %w", err)
	}
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()

	out := make(chan Event, 16)
	initial := s.initialEvents(ctx)

	go func() {
		defer close(out)
		for _, ev := range initial {
			if !s.emit(ctx, out, ev) {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				ev, ok := s.handleSignal(ctx, sig)
				if !ok {
					continue
				}
				if !s.emit(ctx, out, ev) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *NetworkManagerSource) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// Close removes the match rule and ends the event stream.
func (s *NetworkManagerSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		unsub := s.unsub
		s.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	})
	return nil
}

func (s *NetworkManagerSource) initialEvents(ctx context.Context) []Event {
	var devices []dbus.ObjectPath
	if err := s.bus.Call(ctx, nmBusName, nmPath, nmIface, "GetDevices", nil, &devices); err != nil {
		logger.WithError(err).Warn("Could not list NetworkManager devices")
		return nil
	}
	var events []Event
	for _, dev := range devices {
		if !s.wifiDevice(ctx, dev) {
			continue
		}
		v, err := s.bus.GetProperty(ctx, nmBusName, dev, nmDeviceIface, "State")
		if err != nil {
			continue
		}
		st, ok := v.Value().(uint32)
		if !ok || st != nmDeviceActivated {
			continue
		}
		s.mu.Lock()
		wasAny := s.anyActive()
		s.active[dev] = true
		s.mu.Unlock()
		if !wasAny {
			events = append(events, Event{Kind: Attached, Transport: TransportWiFi, Interface: string(dev)})
		}
	}
	return events
}

// handleSignal maps a Device.StateChanged signal to an event.
// Body: [new_state uint32, old_state uint32, reason uint32]
func (s *NetworkManagerSource) handleSignal(ctx context.Context, sig *dbus.Signal) (Event, bool) {
	if sig.Name != nmDeviceIface+"."+nmStateChangedName || len(sig.Body) < 1 {
		return Event{}, false
	}
	newState, ok := sig.Body[0].(uint32)
	if !ok {
		return Event{}, false
	}
	if !s.wifiDevice(ctx, sig.Path) {
		return Event{}, false
	}

	s.mu.Lock()
	wasAny := s.anyActive()
	s.active[sig.Path] = newState == nmDeviceActivated
	nowAny := s.anyActive()
	s.mu.Unlock()

	// Wi-Fi is one transport however many radios carry it.
	switch {
	case nowAny && !wasAny:
		return Event{Kind: Attached, Transport: TransportWiFi, Interface: string(sig.Path)}, true
	case !nowAny && wasAny:
		return Event{Kind: Detached, Transport: TransportWiFi, Interface: string(sig.Path)}, true
	}
	return Event{}, false
}

// anyActive must be called with s.mu held.
func (s *NetworkManagerSource) anyActive() bool {
	for _, up := range s.active {
		if up {
			return true
		}
	}
	return false
}

// wifiDevice looks up and caches whether dev is a Wi-Fi device.
func (s *NetworkManagerSource) wifiDevice(ctx context.Context, dev dbus.ObjectPath) bool {
	s.mu.Lock()
	known, ok := s.isWifi[dev]
	s.mu.Unlock()
	if ok {
		return known
	}

	v, err := s.bus.GetProperty(ctx, nmBusName, dev, nmDeviceIface, "DeviceType")
	if err != nil {
		logger.WithField("device", dev).WithError(err).Debug("Could not read device type")
		return false
	}
	t, _ := v.Value().(uint32)
	wifi := t == nmDeviceTypeWifi

	s.mu.Lock()
	s.isWifi[dev] = wifi
	s.mu.Unlock()
	return wifi
}
