package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/mil-ad/hotspotd/internal/authz"
	"github.com/mil-ad/hotspotd/internal/bus"
	"github.com/mil-ad/hotspotd/internal/capability"
	"github.com/mil-ad/hotspotd/internal/config"
	"github.com/mil-ad/hotspotd/internal/connectivity"
	"github.com/mil-ad/hotspotd/internal/indicator"
	"github.com/mil-ad/hotspotd/internal/logging"
	"github.com/mil-ad/hotspotd/internal/service"
	"github.com/mil-ad/hotspotd/internal/state"
)

// Options are the daemon's command-line settings.
type Options struct {
	ConfigPath string
	// Start begins monitoring immediately if authorized.
	Start bool
}

// TetherOptions converts the config section into invoker options.
func TetherOptions(c config.TetherConfig) capability.Options {
	ep := func(e config.EntryPoint) capability.EntryPoint {
		return capability.EntryPoint{
			Dest:      e.Dest,
			Path:      dbus.ObjectPath(e.Path),
			Interface: e.Interface,
			Method:    e.Method,
		}
	}
	return capability.Options{
		TransportKind:   c.TransportKind,
		DisableMaxIndex: c.DisableMaxIndex,
		CallTimeout:     c.CallTimeout,
		Start:           ep(c.Start),
		Stop:            ep(c.Stop),
	}
}

// invokers remembers the live invoker so config reloads reach it.
type invokers struct {
	mu      sync.Mutex
	opts    capability.Options
	current *capability.Invoker
}

func (i *invokers) configure(opts capability.Options) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.opts = opts
	if i.current != nil {
		i.current.Configure(opts)
	}
}

func (i *invokers) build(b capability.Bus) *capability.Invoker {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.current = capability.NewInvoker(b, i.opts, func(id string, o capability.Outcome) {
		logger.WithField("request", id).WithField("outcome", o.String()).Info("Tethering outcome")
	})
	return i.current
}

// NeedsSystemBus reports whether any configured component talks to the
// system bus. A netlink source with uid authorization and a session-bus
// tethering service runs without one.
func NeedsSystemBus(cfg *config.Config) bool {
	return cfg.Source == config.SourceNetworkManager ||
		cfg.Authorization == config.AuthPolkit ||
		bus.Kind(cfg.Tether.Bus) == bus.System
}

// Run loads the config, wires every component and serves until ctx ends.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel)

	var systemBus *bus.Conn
	if NeedsSystemBus(cfg) {
		systemBus, err = bus.Connect(bus.System)
		if err != nil {
			return err
		}
		defer systemBus.Close()
	}

	tetherBus := systemBus
	if bus.Kind(cfg.Tether.Bus) == bus.Session {
		tetherBus, err = bus.Connect(bus.Session)
		if err != nil {
			return err
		}
		defer tetherBus.Close()
	}

	var authorizer authz.Authorizer
	switch cfg.Authorization {
	case config.AuthUID:
		authorizer = authz.NewUID()
	default:
		authorizer = authz.NewPolkit(systemBus, cfg.PolkitAction)
	}

	ind := newIndicator(cfg.Indicator)
	defer ind.Close()

	inv := &invokers{opts: TetherOptions(cfg.Tether)}
	tracker := state.NewTracker()
	tracker.Subscribe(func(s state.Snapshot) {
		logger.WithField("running", s.Running).WithField("authorized", s.Authorized).Info("State changed")
	})

	host := service.New(service.Config{
		Transport: connectivity.TransportWiFi,
		Tracker:   tracker,
		Indicator: ind,
		NewSource: func() (connectivity.Source, error) {
			if cfg.Source == config.SourceNetlink {
				return connectivity.NewNetlinkSource(cfg.Interfaces), nil
			}
			return connectivity.NewNetworkManagerSource(systemBus), nil
		},
		NewTetherer: func() (service.Tetherer, error) {
			return inv.build(tetherBus), nil
		},
	})
	defer host.Stop()

	srv := NewServer(tracker, authorizer, host, cfg.Socket)
	srv.RefreshPermission(ctx)

	if opts.Start {
		srv.mu.Lock()
		if err := srv.start(ctx); err != nil {
			logger.WithError(err).Warn("Could not start monitoring at launch")
		}
		srv.mu.Unlock()
	}

	path := opts.ConfigPath
	if path == "" {
		path = config.Path()
	}
	watcher := config.NewWatcher(path, func(c *config.Config) {
		logging.SetLevel(c.LogLevel)
		inv.configure(TetherOptions(c.Tether))
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.WithError(err).Warn("Config hot reload disabled")
		}
	}()

	return srv.Serve(ctx)
}

func newIndicator(kind string) indicator.Indicator {
	if kind == config.IndicatorLog {
		return indicator.NewLog()
	}
	sessionBus, err := bus.Connect(bus.Session)
	if err != nil {
		logger.WithError(err).Warn("No session bus, falling back to log indicator")
		return indicator.NewLog()
	}
	n, err := indicator.NewNotifier(sessionBus)
	if err != nil {
		sessionBus.Close()
		logger.WithError(err).Warn("Notifications unavailable, falling back to log indicator")
		return indicator.NewLog()
	}
	return &sessionNotifier{Notifier: n, conn: sessionBus}
}

// sessionNotifier closes its private session bus with the notifier.
type sessionNotifier struct {
	*indicator.Notifier
	conn *bus.Conn
}

func (s *sessionNotifier) Close() error {
	err := s.Notifier.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("close notifier: %w", err)
	}
	return nil
}
