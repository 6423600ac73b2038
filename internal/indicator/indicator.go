// Package indicator shows that hotspotd is actively monitoring, and
// carries the user's "stop" request back from that indicator.
package indicator

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/mil-ad/hotspotd/internal/logging"
)

var logger = logging.Module("indicator")

// Indicator is a persistent "monitoring is on" marker.
type Indicator interface {
	Show(ctx context.Context) error
	Clear(ctx context.Context) error
	// StopRequests fires when the user asks to stop from the indicator.
	StopRequests() <-chan struct{}
	Close() error
}

const (
	notifyBusName = "org.freedesktop.Notifications"
	notifyPath    = "/org/freedesktop/Notifications"
	notifyIface   = "org.freedesktop.Notifications"

	stopActionKey = "stop"
	appName       = "hotspotd"
)

// Bus is the part of a session-bus connection the notifier uses.
type Bus interface {
	Call(ctx context.Context, dest string, path dbus.ObjectPath, iface, method string, args []interface{}, out ...interface{}) error
	Subscribe(opts ...dbus.MatchOption) (<-chan *dbus.Signal, func(), error)
}

// Notifier is a resident desktop notification with a Stop action.
type Notifier struct {
	bus    Bus
	stopCh chan struct{}

	mu     sync.Mutex
	id     uint32
	unsub  func()
	closed chan struct{}
	once   sync.Once
}

// NewNotifier subscribes to notification actions and returns a notifier.
func NewNotifier(bus Bus) (*Notifier, error) {
	sigCh, unsub, err := bus.Subscribe(
		dbus.WithMatchInterface(notifyIface),
		dbus.WithMatchMember("ActionInvoked"),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe to notification actions: %w", err)
	}
	n := &Notifier{
		bus:    bus,
		stopCh: make(chan struct{}, 1),
		unsub:  unsub,
		closed: make(chan struct{}),
	}
	go n.watch(sigCh)
	return n, nil
}

func (n *Notifier) watch(sigCh <-chan *dbus.Signal) {
	for {
		select {
		case <-n.closed:
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			// Body: [id uint32, action_key string]
			if sig.Name != notifyIface+".ActionInvoked" || len(sig.Body) < 2 {
				continue
			}
			id, _ := sig.Body[0].(uint32)
			key, _ := sig.Body[1].(string)
			n.mu.Lock()
			ours := id != 0 && id == n.id
			n.mu.Unlock()
			if !ours || key != stopActionKey {
				continue
			}
			logger.Info("Stop requested from notification")
			select {
			case n.stopCh <- struct{}{}:
			default:
			}
		}
	}
}

// Show posts (or refreshes) the notification.
func (n *Notifier) Show(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	hints := map[string]dbus.Variant{
		"resident": dbus.MakeVariant(true),
		"urgency":  dbus.MakeVariant(byte(0)),
	}
	var id uint32
	err := n.bus.Call(ctx, notifyBusName, notifyPath, notifyIface, "Notify", []interface{}{
		appName, n.id, "network-wireless-hotspot",
		"Wi-Fi monitor running",
		"Listening for Wi-Fi connection changes...",
		[]string{stopActionKey, "Stop"},
		hints,
		int32(0),
	}, &id)
	if err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	n.id = id
	return nil
}

// Clear withdraws the notification.
func (n *Notifier) Clear(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.id == 0 {
		return nil
	}
	id := n.id
	n.id = 0
	if err := n.bus.Call(ctx, notifyBusName, notifyPath, notifyIface, "CloseNotification", []interface{}{id}); err != nil {
		return fmt.Errorf("close notification: %w", err)
	}
	return nil
}

// StopRequests implements Indicator.
func (n *Notifier) StopRequests() <-chan struct{} {
	return n.stopCh
}

// Close stops listening for actions.
func (n *Notifier) Close() error {
	n.once.Do(func() {
		close(n.closed)
		n.unsub()
	})
	return nil
}

// Log is an indicator for headless hosts: it only logs.
type Log struct {
	stopCh chan struct{}
}

// NewLog returns a log-only indicator.
func NewLog() *Log {
	return &Log{stopCh: make(chan struct{})}
}

func (l *Log) Show(ctx context.Context) error {
	logger.Info("Wi-Fi monitor running")
	return nil
}

func (l *Log) Clear(ctx context.Context) error {
	logger.Info("Wi-Fi monitor stopped")
	return nil
}

func (l *Log) StopRequests() <-chan struct{} { return l.stopCh }

func (l *Log) Close() error { return nil }
