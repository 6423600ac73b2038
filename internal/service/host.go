// Package service hosts the Wi-Fi monitor for as long as the user keeps
// it switched on.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/mil-ad/hotspotd/internal/connectivity"
	"github.com/mil-ad/hotspotd/internal/indicator"
	"github.com/mil-ad/hotspotd/internal/logging"
	"github.com/mil-ad/hotspotd/internal/state"
)

var logger = logging.Module("service")

// Tetherer is a connectivity.Tetherer that can be shut down. After Close
// any late completion must be ignored.
type Tetherer interface {
	connectivity.Tetherer
	Close()
}

// Config wires a Host to its collaborators.
type Config struct {
	Transport   connectivity.Transport
	Tracker     *state.Tracker
	Indicator   indicator.Indicator
	NewSource   func() (connectivity.Source, error)
	NewTetherer func() (Tetherer, error)
}

// Host owns one monitoring session at a time. Every Start begins a fresh
// session with its own subscription and tetherer; Stop tears it down.
type Host struct {
	cfg Config

	// lifecycle is held for the whole of Start and Stop so a teardown and
	// a new session never overlap.
	lifecycle sync.Mutex

	mu      sync.Mutex
	session *session
}

type session struct {
	cancel   context.CancelFunc
	source   connectivity.Source
	tetherer Tetherer
	monitor  *connectivity.Monitor
	done     chan struct{}
}

// New creates a stopped host.
func New(cfg Config) *Host {
	return &Host{cfg: cfg}
}

// Running reports whether a session is active.
func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session != nil
}

// Start subscribes to connectivity changes and begins reacting to them.
// Starting a running host is a no-op. On failure the host stays stopped
// and the running flag is cleared.
func (h *Host) Start(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.Running() {
		return nil
	}

	s, err := h.open()
	if err != nil {
		h.cfg.Tracker.SetRunning(false)
		return err
	}
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()

	if err := h.cfg.Indicator.Show(ctx); err != nil {
		logger.WithError(err).Warn("Could not show indicator")
	}
	go h.watchStopRequests(s)

	h.cfg.Tracker.SetRunning(true)
	logger.WithField("transport", h.cfg.Transport.String()).Info("Monitoring started")
	return nil
}

func (h *Host) open() (*session, error) {
	tetherer, err := h.cfg.NewTetherer()
	if err != nil {
		return nil, fmt.Errorf("create tetherer: %w", err)
	}
	source, err := h.cfg.NewSource()
	if err != nil {
		tetherer.Close()
		return nil, fmt.Errorf("create connectivity source: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	events, err := source.Subscribe(runCtx)
	if err != nil {
		cancel()
		_ = source.Close()
		tetherer.Close()
		return nil, fmt.Errorf("subscribe to connectivity: %w", err)
	}

	s := &session{
		cancel:   cancel,
		source:   source,
		tetherer: tetherer,
		monitor:  connectivity.NewMonitor(h.cfg.Transport, tetherer),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		s.monitor.Run(runCtx, events)
	}()
	return s, nil
}

func (h *Host) watchStopRequests(s *session) {
	select {
	case <-s.done:
	case <-h.cfg.Indicator.StopRequests():
		if err := h.stop(s); err != nil {
			logger.WithError(err).Warn("Stop from indicator failed")
		}
	}
}

// Stop unsubscribes, clears the indicator and marks the host stopped.
// It does not wait for outstanding tethering callbacks. Stopping a
// stopped host only re-asserts running=false.
func (h *Host) Stop() error {
	return h.stop(nil)
}

// stop tears down the current session. With a non-nil only, it does
// nothing unless only is still the current session.
func (h *Host) stop(only *session) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	s := h.session
	if only != nil && s != only {
		h.mu.Unlock()
		return nil
	}
	h.session = nil
	h.mu.Unlock()

	if s == nil {
		h.cfg.Tracker.SetRunning(false)
		return nil
	}

	s.cancel()
	err := s.source.Close()
	<-s.done
	s.tetherer.Close()

	if cerr := h.cfg.Indicator.Clear(context.Background()); cerr != nil {
		logger.WithError(cerr).Warn("Could not clear indicator")
	}
	h.cfg.Tracker.SetRunning(false)
	logger.Info("Monitoring stopped")

	if err != nil {
		return fmt.Errorf("close connectivity source: %w", err)
	}
	return nil
}

// Connected reports the monitor's view of the watched transport.
func (h *Host) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return false
	}
	return h.session.monitor.Connected()
}
