package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// EntryPoint names a D-Bus method that is not part of any stable
// interface and therefore has to be found at runtime.
type EntryPoint struct {
	Dest      string
	Path      dbus.ObjectPath
	Interface string
	Method    string
}

func (ep EntryPoint) String() string {
	return fmt.Sprintf("%s%s %s.%s", ep.Dest, ep.Path, ep.Interface, ep.Method)
}

// Handle is a resolved entry point together with its input signature.
type Handle struct {
	EntryPoint EntryPoint
	Signature  string
}

// Resolution is either Resolved with a Handle or Unresolved with a reason.
type Resolution struct {
	Resolved bool
	Handle   Handle
	Reason   error
}

// Introspector is the part of the bus the resolver needs.
type Introspector interface {
	Introspect(ctx context.Context, dest string, path dbus.ObjectPath) (*introspect.Node, error)
}

// Resolver looks entry points up by name and caches the answer until
// Reset is called.
type Resolver struct {
	bus   Introspector
	mu    sync.Mutex
	cache map[EntryPoint]Resolution
}

// NewResolver creates a resolver backed by bus.
func NewResolver(bus Introspector) *Resolver {
	return &Resolver{bus: bus, cache: make(map[EntryPoint]Resolution)}
}

// Resolve returns the cached resolution for ep, introspecting on first use.
// want is the expected D-Bus input signature; a method with any other
// signature counts as unresolved.
func (r *Resolver) Resolve(ctx context.Context, ep EntryPoint, want string) Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.cache[ep]; ok {
		return res
	}
	res := r.lookup(ctx, ep, want)
	r.cache[ep] = res
	if res.Resolved {
		logger.WithField("entry_point", ep.String()).Debug("Entry point resolved")
	} else {
		logger.WithField("entry_point", ep.String()).WithError(res.Reason).Warn("Entry point unresolved")
	}
	return res
}

// Reset drops every cached resolution.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cache = make(map[EntryPoint]Resolution)
	r.mu.Unlock()
}

func (r *Resolver) lookup(ctx context.Context, ep EntryPoint, want string) (res Resolution) {
	defer func() {
		if p := recover(); p != nil {
			res = Resolution{Reason: fmt.Errorf("introspection panicked: %v", p)}
		}
	}()

	node, err := r.bus.Introspect(ctx, ep.Dest, ep.Path)
	if err != nil {
		return Resolution{Reason: fmt.Errorf("introspect: %w", err)}
	}
	for _, iface := range node.Interfaces {
		if iface.Name != ep.Interface {
			continue
		}
		for _, m := range iface.Methods {
			if m.Name != ep.Method {
				continue
			}
			sig := inputSignature(m)
			if want != "" && sig != want {
				return Resolution{Reason: fmt.Errorf("signature %q, want %q", sig, want)}
			}
			return Resolution{Resolved: true, Handle: Handle{EntryPoint: ep, Signature: sig}}
		}
		return Resolution{Reason: fmt.Errorf("method %s not found on %s", ep.Method, ep.Interface)}
	}
	return Resolution{Reason: fmt.Errorf("interface %s not found", ep.Interface)}
}

func inputSignature(m introspect.Method) string {
	var b strings.Builder
	for _, a := range m.Args {
		if a.Direction == "out" {
			continue
		}
		b.WriteString(a.Type)
	}
	return b.String()
}
