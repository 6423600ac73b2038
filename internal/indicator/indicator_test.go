package indicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	mu      sync.Mutex
	nextID  uint32
	methods []string
	closed  []uint32
	signals chan *dbus.Signal
	unsub   bool
}

func (f *fakeBus) Call(ctx context.Context, dest string, path dbus.ObjectPath, iface, method string, args []interface{}, out ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, method)
	switch method {
	case "Notify":
		if replaces := args[1].(uint32); replaces != 0 {
			*out[0].(*uint32) = replaces
			return nil
		}
		f.nextID++
		*out[0].(*uint32) = f.nextID
	case "CloseNotification":
		f.closed = append(f.closed, args[0].(uint32))
	}
	return nil
}

func (f *fakeBus) Subscribe(opts ...dbus.MatchOption) (<-chan *dbus.Signal, func(), error) {
	return f.signals, func() { f.unsub = true }, nil
}

func action(id uint32, key string) *dbus.Signal {
	return &dbus.Signal{Name: notifyIface + ".ActionInvoked", Body: []interface{}{id, key}}
}

func TestNotifierShowClear(t *testing.T) {
	bus := &fakeBus{signals: make(chan *dbus.Signal, 4), nextID: 6}
	n, err := NewNotifier(bus)
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.Show(ctx))
	require.NoError(t, n.Show(ctx)) // refresh reuses the id
	require.NoError(t, n.Clear(ctx))
	require.NoError(t, n.Clear(ctx)) // nothing left to close

	assert.Equal(t, []string{"Notify", "Notify", "CloseNotification"}, bus.methods)
	assert.Equal(t, []uint32{7}, bus.closed)
}

func TestNotifierStopAction(t *testing.T) {
	bus := &fakeBus{signals: make(chan *dbus.Signal, 4)}
	n, err := NewNotifier(bus)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Show(context.Background()))

	bus.signals <- action(99, stopActionKey) // someone else's notification
	bus.signals <- action(1, "default")
	bus.signals <- action(1, stopActionKey)

	select {
	case <-n.StopRequests():
	case <-time.After(time.Second):
		t.Fatal("stop request not delivered")
	}
	select {
	case <-n.StopRequests():
		t.Fatal("only one stop request expected")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifierClose(t *testing.T) {
	bus := &fakeBus{signals: make(chan *dbus.Signal)}
	n, err := NewNotifier(bus)
	require.NoError(t, err)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.True(t, bus.unsub)
}

func TestLogIndicator(t *testing.T) {
	l := NewLog()
	assert.NoError(t, l.Show(context.Background()))
	assert.NoError(t, l.Clear(context.Background()))
	assert.NotNil(t, l.StopRequests())
	assert.NoError(t, l.Close())
}
