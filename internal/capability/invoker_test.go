package capability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tetherIface = "io.hotspotd.Tethering1"

type call struct {
	method string
	args   []interface{}
}

type fakeBus struct {
	mu          sync.Mutex
	methods     map[string]string // method name -> input signature
	introspects int
	calls       []call
	exported    map[dbus.ObjectPath]interface{}
	failCall    func(method string, args []interface{}) error
	panicCall   bool
	introErr    error
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		methods: map[string]string{
			"StartTethering": "ibos",
			"StopTethering":  "i",
		},
		exported: make(map[dbus.ObjectPath]interface{}),
	}
}

func (f *fakeBus) Introspect(ctx context.Context, dest string, path dbus.ObjectPath) (*introspect.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.introspects++
	if f.introErr != nil {
		return nil, f.introErr
	}
	iface := introspect.Interface{Name: tetherIface}
	for name, sig := range f.methods {
		m := introspect.Method{Name: name}
		for _, r := range sig {
			m.Args = append(m.Args, introspect.Arg{Type: string(r), Direction: "in"})
		}
		iface.Methods = append(iface.Methods, m)
	}
	return &introspect.Node{Interfaces: []introspect.Interface{iface}}, nil
}

func (f *fakeBus) Call(ctx context.Context, dest string, path dbus.ObjectPath, iface, method string, args []interface{}, out ...interface{}) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{method: method, args: args})
	fail := f.failCall
	doPanic := f.panicCall
	f.mu.Unlock()
	if doPanic {
		panic("bus exploded")
	}
	if fail != nil {
		return fail(method, args)
	}
	return nil
}

func (f *fakeBus) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported[path] = v
	return nil
}

func (f *fakeBus) Unexport(path dbus.ObjectPath, iface string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.exported, path)
}

func (f *fakeBus) callsTo(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBus) adapter(t *testing.T) *callbackAdapter {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.exported, 1)
	for _, v := range f.exported {
		return v.(*callbackAdapter)
	}
	return nil
}

func testOptions() Options {
	ep := func(m string) EntryPoint {
		return EntryPoint{Dest: tetherIface, Path: "/io/hotspotd/Tethering1", Interface: tetherIface, Method: m}
	}
	return Options{
		TransportKind:   0,
		DisableMaxIndex: 10,
		CallTimeout:     time.Second,
		Start:           ep("StartTethering"),
		Stop:            ep("StopTethering"),
	}
}

type outcomes struct {
	mu  sync.Mutex
	got []Outcome
}

func (o *outcomes) record(_ string, out Outcome) {
	o.mu.Lock()
	o.got = append(o.got, out)
	o.mu.Unlock()
}

func (o *outcomes) list() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.got...)
}

func TestEnableDispatchesExactlyOneCall(t *testing.T) {
	bus := newFakeBus()
	var out outcomes
	inv := NewInvoker(bus, testOptions(), out.record)

	require.NoError(t, inv.EnableTether(context.Background()))

	calls := bus.callsTo("StartTethering")
	require.Len(t, calls, 1)
	args := calls[0].args
	require.Len(t, args, 4)
	assert.Equal(t, int32(0), args[0])
	assert.Equal(t, false, args[1])
	assert.Equal(t, "", args[3])

	a := bus.adapter(t)
	assert.Equal(t, a.path, args[2])
	assert.Equal(t, 1, inv.Pending())
	assert.Empty(t, out.list(), "dispatch must not wait for the outcome")

	assert.Nil(t, a.OnTetheringStarted())
	assert.Equal(t, []Outcome{OutcomeStarted}, out.list())
	assert.Equal(t, 0, inv.Pending())

	// a second signal from a confused platform is ignored
	a.OnTetheringFailed()
	assert.Equal(t, []Outcome{OutcomeStarted}, out.list())
}

func TestEnableUnavailableReportsFailure(t *testing.T) {
	bus := newFakeBus()
	delete(bus.methods, "StartTethering")
	var out outcomes
	inv := NewInvoker(bus, testOptions(), out.record)

	err := inv.EnableTether(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapabilityUnavailable))
	assert.False(t, errors.Is(err, ErrInvocationFault))
	assert.Empty(t, bus.callsTo("StartTethering"))
	assert.Equal(t, []Outcome{OutcomeFailed}, out.list())

	var ie *InvocationError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, KindUnavailable, ie.Kind)
	assert.Equal(t, "StartTethering", ie.EntryPoint.Method)
}

func TestEnableWrongSignatureIsUnavailable(t *testing.T) {
	bus := newFakeBus()
	bus.methods["StartTethering"] = "ib"
	inv := NewInvoker(bus, testOptions(), nil)

	err := inv.EnableTether(context.Background())
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.Empty(t, bus.callsTo("StartTethering"))
}

func TestEnableCallFaultIsRecovered(t *testing.T) {
	bus := newFakeBus()
	bus.failCall = func(string, []interface{}) error { return errors.New("access denied") }
	var out outcomes
	inv := NewInvoker(bus, testOptions(), out.record)

	err := inv.EnableTether(context.Background())
	assert.ErrorIs(t, err, ErrInvocationFault)
	assert.Equal(t, []Outcome{OutcomeFailed}, out.list())
	assert.Equal(t, 0, inv.Pending(), "failed request must withdraw its callback")
}

func TestPanicInBusBecomesFault(t *testing.T) {
	bus := newFakeBus()
	bus.panicCall = true
	inv := NewInvoker(bus, testOptions(), nil)

	assert.NotPanics(t, func() {
		err := inv.EnableTether(context.Background())
		assert.ErrorIs(t, err, ErrInvocationFault)
	})
	assert.NotPanics(t, func() {
		assert.NoError(t, inv.DisableTether(context.Background()))
	})
}

func TestDisableSweepsEveryIndex(t *testing.T) {
	bus := newFakeBus()
	inv := NewInvoker(bus, testOptions(), nil)

	require.NoError(t, inv.DisableTether(context.Background()))

	calls := bus.callsTo("StopTethering")
	require.Len(t, calls, 11)
	for i, c := range calls {
		assert.Equal(t, []interface{}{int32(i)}, c.args)
	}
}

func TestDisableContinuesPastFailures(t *testing.T) {
	bus := newFakeBus()
	bus.failCall = func(_ string, args []interface{}) error {
		if idx := args[0].(int32); idx == 0 || idx == 4 {
			return errors.New("no such tether type")
		}
		return nil
	}
	inv := NewInvoker(bus, testOptions(), nil)

	require.NoError(t, inv.DisableTether(context.Background()))
	assert.Len(t, bus.callsTo("StopTethering"), 11)
}

func TestDisableHonoursConfiguredBound(t *testing.T) {
	bus := newFakeBus()
	opts := testOptions()
	opts.DisableMaxIndex = 2
	inv := NewInvoker(bus, opts, nil)

	require.NoError(t, inv.DisableTether(context.Background()))
	assert.Len(t, bus.callsTo("StopTethering"), 3)
}

func TestDisableUnavailable(t *testing.T) {
	bus := newFakeBus()
	bus.introErr = errors.New("org.freedesktop.DBus.Error.ServiceUnknown")
	inv := NewInvoker(bus, testOptions(), nil)

	err := inv.DisableTether(context.Background())
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.Empty(t, bus.callsTo("StopTethering"))
}

func TestResolutionIsCachedUntilReset(t *testing.T) {
	bus := newFakeBus()
	inv := NewInvoker(bus, testOptions(), nil)

	require.NoError(t, inv.DisableTether(context.Background()))
	require.NoError(t, inv.DisableTether(context.Background()))
	assert.Equal(t, 1, bus.introspects)

	inv.Reset()
	require.NoError(t, inv.DisableTether(context.Background()))
	assert.Equal(t, 2, bus.introspects)
}

func TestCallbackAfterCloseIsNoop(t *testing.T) {
	bus := newFakeBus()
	var out outcomes
	inv := NewInvoker(bus, testOptions(), out.record)

	require.NoError(t, inv.EnableTether(context.Background()))
	a := bus.adapter(t)

	inv.Close()
	assert.Empty(t, bus.exported)

	assert.NotPanics(t, func() { a.OnTetheringStarted() })
	assert.Empty(t, out.list())

	assert.ErrorIs(t, inv.EnableTether(context.Background()), ErrClosed)
	assert.ErrorIs(t, inv.DisableTether(context.Background()), ErrClosed)
}

func TestDisableWhileEnablePending(t *testing.T) {
	bus := newFakeBus()
	var out outcomes
	inv := NewInvoker(bus, testOptions(), out.record)

	require.NoError(t, inv.EnableTether(context.Background()))
	a := bus.adapter(t)
	require.NoError(t, inv.DisableTether(context.Background()))

	a.OnTetheringFailed()
	assert.Equal(t, []Outcome{OutcomeFailed}, out.list())
}
