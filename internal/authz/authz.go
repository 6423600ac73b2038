// Package authz answers whether the daemon may change system network
// settings, and runs the interactive flow that grants it.
package authz

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/mil-ad/hotspotd/internal/logging"
	"golang.org/x/sys/unix"
)

var logger = logging.Module("authz")

// Authorizer is the host's settings-modification permission.
type Authorizer interface {
	// Check queries the current authorization without prompting.
	Check(ctx context.Context) (bool, error)
	// Request starts the interactive grant flow and calls done when it
	// finishes, whatever the result. The caller re-queries with Check.
	Request(ctx context.Context, done func())
}

const (
	polkitBusName = "org.freedesktop.PolicyKit1"
	polkitPath    = "/org/freedesktop/PolicyKit1/Authority"
	polkitIface   = "org.freedesktop.PolicyKit1.Authority"

	polkitFlagNone             uint32 = 0
	polkitFlagAllowInteraction uint32 = 1
)

// Caller is the D-Bus method call the polkit authorizer needs.
type Caller interface {
	Call(ctx context.Context, dest string, path dbus.ObjectPath, iface, method string, args []interface{}, out ...interface{}) error
}

type polkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

type polkitResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// Polkit checks a polkit action for this process.
type Polkit struct {
	bus    Caller
	action string
	pid    uint32
}

// NewPolkit creates an authorizer for action over the system bus.
func NewPolkit(bus Caller, action string) *Polkit {
	return &Polkit{bus: bus, action: action, pid: uint32(os.Getpid())}
}

func (p *Polkit) check(ctx context.Context, flags uint32) (bool, error) {
	subject := polkitSubject{
		Kind: "unix-process",
		Details: map[string]dbus.Variant{
			"pid":        dbus.MakeVariant(p.pid),
			"start-time": dbus.MakeVariant(uint64(0)),
		},
	}
	var res polkitResult
	err := p.bus.Call(ctx, polkitBusName, polkitPath, polkitIface, "CheckAuthorization",
		[]interface{}{subject, p.action, map[string]string{}, flags, ""}, &res)
	if err != nil {
		return false, fmt.Errorf("polkit CheckAuthorization %s: %w", p.action, err)
	}
	return res.IsAuthorized, nil
}

// Check implements Authorizer.
func (p *Polkit) Check(ctx context.Context) (bool, error) {
	return p.check(ctx, polkitFlagNone)
}

// Request implements Authorizer. The polkit agent prompts the user; the
// call returns when the prompt is answered or dismissed.
func (p *Polkit) Request(ctx context.Context, done func()) {
	go func() {
		defer done()
		ok, err := p.check(ctx, polkitFlagAllowInteraction)
		if err != nil {
			logger.WithError(err).Warn("Authorization request failed")
			return
		}
		logger.WithField("authorized", ok).Info("Authorization request finished")
	}()
}

// UID treats root as authorized. It has no interactive flow.
type UID struct {
	geteuid func() int
}

// NewUID creates the effective-uid authorizer.
func NewUID() *UID {
	return &UID{geteuid: unix.Geteuid}
}

// Check implements Authorizer.
func (u *UID) Check(ctx context.Context) (bool, error) {
	return u.geteuid() == 0, nil
}

// Request implements Authorizer. There is nothing to prompt for, so it
// only explains what is needed and completes.
func (u *UID) Request(ctx context.Context, done func()) {
	if u.geteuid() != 0 {
		logger.Warn("Run hotspotd as root or switch authorization to polkit to allow tethering changes")
	}
	done()
}
