// Package bus wraps a godbus connection with the handful of helpers the
// daemon needs: name lookup, properties, introspection, method calls by
// name, object export and signal subscription.
package bus

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

const (
	propsIface      = "org.freedesktop.DBus.Properties"
	introspectIface = "org.freedesktop.DBus.Introspectable"
)

// Kind selects the system or session bus.
type Kind string

const (
	System  Kind = "system"
	Session Kind = "session"
)

// Conn is a private D-Bus connection.
type Conn struct {
	conn *dbus.Conn
}

// Connect opens a private connection to the given bus.
func Connect(kind Kind) (*Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch kind {
	case Session:
		conn, err = dbus.ConnectSessionBus()
	default:
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s bus: %w", kind, err)
	}
	return &Conn{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// HasName reports whether a well-known name is currently owned on the bus.
func (c *Conn) HasName(ctx context.Context, name string) (bool, error) {
	var names []string
	if err := c.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return false, fmt.Errorf("list bus names: %w", err)
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// GetProperty reads one property through org.freedesktop.DBus.Properties.
func (c *Conn) GetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := c.conn.Object(dest, path).CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

// Introspect fetches and parses the introspection data of an object.
func (c *Conn) Introspect(ctx context.Context, dest string, path dbus.ObjectPath) (*introspect.Node, error) {
	var data string
	if err := c.conn.Object(dest, path).CallWithContext(ctx, introspectIface+".Introspect", 0).Store(&data); err != nil {
		return nil, err
	}
	var node introspect.Node
	if err := xml.Unmarshal([]byte(data), &node); err != nil {
		return nil, fmt.Errorf("parse introspection of %s: %w", path, err)
	}
	return &node, nil
}

// Call invokes iface.method on dest/path and stores the reply into out,
// which may be empty.
func (c *Conn) Call(ctx context.Context, dest string, path dbus.ObjectPath, iface, method string, args []interface{}, out ...interface{}) error {
	call := c.conn.Object(dest, path).CallWithContext(ctx, iface+"."+method, 0, args...)
	if call.Err != nil {
		return call.Err
	}
	if len(out) == 0 {
		return nil
	}
	return call.Store(out...)
}

// Export publishes v's exported methods under path/iface.
func (c *Conn) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	return c.conn.Export(v, path, iface)
}

// Unexport removes a previous Export.
func (c *Conn) Unexport(path dbus.ObjectPath, iface string) {
	_ = c.conn.Export(nil, path, iface)
}

// Subscribe adds a match rule and returns a channel of matching signals.
// The returned cancel removes the rule and the channel registration.
func (c *Conn) Subscribe(opts ...dbus.MatchOption) (<-chan *dbus.Signal, func(), error) {
	if err := c.conn.AddMatchSignal(opts...); err != nil {
		return nil, nil, fmt.Errorf("add match: %w", err)
	}
	ch := make(chan *dbus.Signal, 16)
	c.conn.Signal(ch)
	cancel := func() {
		_ = c.conn.RemoveMatchSignal(opts...)
		c.conn.RemoveSignal(ch)
	}
	return ch, cancel, nil
}
