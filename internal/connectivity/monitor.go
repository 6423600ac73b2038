package connectivity

import (
	"context"
	"sync"

	"github.com/mil-ad/hotspotd/internal/logging"
	"github.com/sirupsen/logrus"
)

var logger = logging.Module("connectivity")

// Monitor turns Attached/Detached events for one transport into enable
// and disable actions, dropping repeats.
//
//	Disconnected --Attached--> Connected     emit Enable
//	Connected    --Detached--> Disconnected  emit Disable
//	anything else                            no action
type Monitor struct {
	transport Transport
	tetherer  Tetherer

	mu        sync.Mutex
	connected bool
}

// NewMonitor watches transport and drives tetherer. The initial state is
// disconnected.
func NewMonitor(transport Transport, tetherer Tetherer) *Monitor {
	return &Monitor{transport: transport, tetherer: tetherer}
}

// Connected reports the current state of the machine.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Handle advances the state machine and returns the action to take, if any.
func (m *Monitor) Handle(ev Event) (Action, bool) {
	if ev.Transport != m.transport {
		return Action{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case ev.Kind == Attached && !m.connected:
		m.connected = true
		return Action{Kind: ActionEnable, Transport: ev.Transport}, true
	case ev.Kind == Detached && m.connected:
		m.connected = false
		return Action{Kind: ActionDisable, Transport: ev.Transport}, true
	}
	return Action{}, false
}

// Run consumes events in order until the channel closes or ctx ends.
// Errors from the tetherer are logged; they never stop the loop.
func (m *Monitor) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.process(ctx, ev)
		}
	}
}

func (m *Monitor) process(ctx context.Context, ev Event) {
	log := logger.WithFields(logrus.Fields{
		"transport": ev.Transport.String(),
		"event":     ev.Kind.String(),
		"interface": ev.Interface,
	})

	action, ok := m.Handle(ev)
	if !ok {
		log.Debug("No state change, ignoring event")
		return
	}
	log.WithField("action", action.Kind.String()).Info("Connectivity changed")

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Tethering action panicked")
		}
	}()

	var err error
	switch action.Kind {
	case ActionEnable:
		err = m.tetherer.EnableTether(ctx)
	case ActionDisable:
		err = m.tetherer.DisableTether(ctx)
	}
	if err != nil {
		log.WithError(err).Warn("Tethering action did not take effect")
	}
}
