package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/google/uuid"
	"github.com/mil-ad/hotspotd/internal/logging"
	"github.com/sirupsen/logrus"
)

var logger = logging.Module("capability")

const (
	// start(transport int32, exclusive bool, callback object, handler string)
	startSignature = "ibos"
	// stop(index int32)
	stopSignature = "i"

	callbackRoot = "/io/hotspotd/callback"
)

// Bus is the subset of a D-Bus connection the invoker drives.
type Bus interface {
	Introspect(ctx context.Context, dest string, path dbus.ObjectPath) (*introspect.Node, error)
	Call(ctx context.Context, dest string, path dbus.ObjectPath, iface, method string, args []interface{}, out ...interface{}) error
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Unexport(path dbus.ObjectPath, iface string)
}

// Outcome is what the platform eventually reports for an enable request.
type Outcome int

const (
	OutcomeStarted Outcome = iota
	OutcomeFailed
)

func (o Outcome) String() string {
	if o == OutcomeStarted {
		return "started"
	}
	return "failed"
}

// Options configures the invoker. It can be swapped at runtime.
type Options struct {
	TransportKind   int32
	DisableMaxIndex int
	CallTimeout     time.Duration
	Start           EntryPoint
	Stop            EntryPoint
}

// Invoker dispatches the enable and disable tethering calls.
// Dispatches are serialized so enable and disable never overlap, but the
// invoker does not wait for an enable outcome before accepting the next call.
type Invoker struct {
	bus      Bus
	resolver *Resolver

	optsMu sync.RWMutex
	opts   Options

	callMu    sync.Mutex
	closed    atomic.Bool
	onOutcome func(id string, o Outcome)

	adaptersMu sync.Mutex
	adapters   map[dbus.ObjectPath]*callbackAdapter
}

// NewInvoker builds an invoker. onOutcome, if non-nil, receives the
// asynchronous result of each enable request.
func NewInvoker(bus Bus, opts Options, onOutcome func(id string, o Outcome)) *Invoker {
	return &Invoker{
		bus:       bus,
		resolver:  NewResolver(bus),
		opts:      opts,
		onOutcome: onOutcome,
		adapters:  make(map[dbus.ObjectPath]*callbackAdapter),
	}
}

// Configure replaces the options and forgets cached resolutions.
func (inv *Invoker) Configure(opts Options) {
	inv.optsMu.Lock()
	inv.opts = opts
	inv.optsMu.Unlock()
	inv.resolver.Reset()
}

// Reset forgets cached resolutions so the next call looks them up again.
func (inv *Invoker) Reset() {
	inv.resolver.Reset()
}

func (inv *Invoker) options() Options {
	inv.optsMu.RLock()
	defer inv.optsMu.RUnlock()
	return inv.opts
}

// EnableTether asks the platform to start tethering over the configured
// transport. It returns once the request is dispatched; the outcome is
// delivered later through the onOutcome hook.
func (inv *Invoker) EnableTether(ctx context.Context) error {
	if inv.closed.Load() {
		return ErrClosed
	}
	inv.callMu.Lock()
	defer inv.callMu.Unlock()

	opts := inv.options()
	ep := opts.Start
	adapter := inv.newAdapter(ep.Interface + ".Callback")
	log := logger.WithFields(logrus.Fields{"entry_point": ep.String(), "request": adapter.id})

	res := inv.resolver.Resolve(ctx, ep, startSignature)
	if !res.Resolved {
		log.WithError(res.Reason).Warn("Start tethering entry point unavailable")
		adapter.finish(OutcomeFailed)
		return &InvocationError{Kind: KindUnavailable, EntryPoint: ep, Cause: res.Reason}
	}

	if err := inv.export(adapter); err != nil {
		log.WithError(err).Error("Failed to export tethering callback")
		adapter.finish(OutcomeFailed)
		return &InvocationError{Kind: KindFault, EntryPoint: ep, Cause: err}
	}

	args := []interface{}{opts.TransportKind, false, adapter.path, ""}
	if err := inv.call(ctx, opts.CallTimeout, ep, args); err != nil {
		log.WithError(err).Error("Start tethering call failed")
		adapter.finish(OutcomeFailed)
		return &InvocationError{Kind: KindFault, EntryPoint: ep, Cause: err}
	}

	log.WithField("transport", opts.TransportKind).Info("Start tethering dispatched")
	return nil
}

// DisableTether calls the stop entry point for every index in
// [0, DisableMaxIndex]. The platform does not say which index is live, so
// a failure at one index never stops the sweep.
func (inv *Invoker) DisableTether(ctx context.Context) error {
	if inv.closed.Load() {
		return ErrClosed
	}
	inv.callMu.Lock()
	defer inv.callMu.Unlock()

	opts := inv.options()
	ep := opts.Stop
	log := logger.WithField("entry_point", ep.String())

	res := inv.resolver.Resolve(ctx, ep, stopSignature)
	if !res.Resolved {
		log.WithError(res.Reason).Warn("Stop tethering entry point unavailable")
		return &InvocationError{Kind: KindUnavailable, EntryPoint: ep, Cause: res.Reason}
	}

	failed := 0
	for i := 0; i <= opts.DisableMaxIndex; i++ {
		if err := inv.call(ctx, opts.CallTimeout, ep, []interface{}{int32(i)}); err != nil {
			failed++
			log.WithField("index", i).WithError(err).Debug("Stop tethering failed for index")
			continue
		}
		log.WithField("index", i).Debug("Stop tethering called")
	}
	log.WithFields(logrus.Fields{
		"attempted": opts.DisableMaxIndex + 1,
		"failed":    failed,
	}).Info("Stop tethering sweep finished")
	return nil
}

// call runs one privileged call with a timeout and turns a panic in the
// bus layer into an error.
func (inv *Invoker) call(ctx context.Context, timeout time.Duration, ep EntryPoint, args []interface{}) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during call: %v", p)
		}
	}()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return inv.bus.Call(ctx, ep.Dest, ep.Path, ep.Interface, ep.Method, args)
}

// Close marks the invoker dead and withdraws outstanding callbacks.
// Callbacks that still arrive afterwards are ignored.
func (inv *Invoker) Close() {
	if inv.closed.Swap(true) {
		return
	}
	inv.adaptersMu.Lock()
	pending := inv.adapters
	inv.adapters = make(map[dbus.ObjectPath]*callbackAdapter)
	inv.adaptersMu.Unlock()

	for path, a := range pending {
		inv.bus.Unexport(path, a.iface)
	}
}

// Pending returns the number of enable requests still waiting for a result.
func (inv *Invoker) Pending() int {
	inv.adaptersMu.Lock()
	defer inv.adaptersMu.Unlock()
	return len(inv.adapters)
}

func (inv *Invoker) newAdapter(iface string) *callbackAdapter {
	id := uuid.New().String()
	return &callbackAdapter{
		id:    id,
		path:  dbus.ObjectPath(callbackRoot + "/" + strings.ReplaceAll(id, "-", "_")),
		iface: iface,
		inv:   inv,
	}
}

func (inv *Invoker) export(a *callbackAdapter) error {
	if err := inv.bus.Export(a, a.path, a.iface); err != nil {
		return err
	}
	inv.adaptersMu.Lock()
	inv.adapters[a.path] = a
	inv.adaptersMu.Unlock()
	return nil
}

func (inv *Invoker) complete(a *callbackAdapter, o Outcome) {
	inv.adaptersMu.Lock()
	_, exported := inv.adapters[a.path]
	delete(inv.adapters, a.path)
	inv.adaptersMu.Unlock()
	if exported {
		inv.bus.Unexport(a.path, a.iface)
	}

	if inv.closed.Load() {
		return
	}
	logger.WithFields(logrus.Fields{"request": a.id, "outcome": o.String()}).Info("Tethering request completed")
	if inv.onOutcome != nil {
		inv.onOutcome(a.id, o)
	}
}

// callbackAdapter is the object handed to the start entry point. The
// platform calls one of its two methods when the request settles.
type callbackAdapter struct {
	id    string
	path  dbus.ObjectPath
	iface string
	inv   *Invoker
	once  sync.Once
}

func (a *callbackAdapter) finish(o Outcome) {
	a.once.Do(func() { a.inv.complete(a, o) })
}

// OnTetheringStarted is called over D-Bus by the tethering service.
func (a *callbackAdapter) OnTetheringStarted() *dbus.Error {
	a.finish(OutcomeStarted)
	return nil
}

// OnTetheringFailed is called over D-Bus by the tethering service.
func (a *callbackAdapter) OnTetheringFailed() *dbus.Error {
	a.finish(OutcomeFailed)
	return nil
}
