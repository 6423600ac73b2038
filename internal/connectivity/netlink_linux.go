//go:build linux

package connectivity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkSource reports wireless links going operationally up or down,
// straight from rtnetlink.
type NetlinkSource struct {
	interfaces []string
	sysfs      string

	mu         sync.Mutex
	subscribed bool
	active     map[string]bool
	done       chan struct{}
	closeOnce  sync.Once
}

// NewNetlinkSource watches the named interfaces, or every wireless
// interface when names is empty.
func NewNetlinkSource(names []string) *NetlinkSource {
	return &NetlinkSource{
		interfaces: names,
		sysfs:      "/sys/class/net",
		active:     make(map[string]bool),
		done:       make(chan struct{}),
	}
}

// Subscribe starts the rtnetlink link subscription. Existing links are
// listed first so a link that is already up produces Attached.
func (s *NetlinkSource) Subscribe(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil, fmt.Errorf("netlink source already subscribed")
	}
	s.subscribed = true
	s.mu.Unlock()

	updates := make(chan netlink.LinkUpdate, 16)
	nlDone := make(chan struct{})
	err := netlink.LinkSubscribeWithOptions(updates, nlDone, netlink.LinkSubscribeOptions{
		ListExisting: true,
		ErrorCallback: func(err error) {
			logger.WithError(err).Warn("Netlink subscription error")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to link updates: %w", err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer close(nlDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				attrs := update.Link.Attrs()
				if attrs == nil {
					continue
				}
				ev, ok := s.classify(attrs.Name, attrs.OperState, update.Header.Type == unix.RTM_DELLINK)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// Close ends the subscription.
func (s *NetlinkSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// classify turns a link state into an event when the link is one we
// watch and the wireless transport as a whole went up or down. A removed
// link counts as down. Links already seen stay watched after their sysfs
// entry disappears.
func (s *NetlinkSource) classify(name string, oper netlink.LinkOperState, removed bool) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, seen := s.active[name]
	if !seen && (removed || !s.watches(name)) {
		return Event{}, false
	}
	up := oper == netlink.OperUp && !removed

	wasAny := s.anyActive()
	if removed {
		delete(s.active, name)
	} else {
		s.active[name] = up
	}
	nowAny := s.anyActive()

	switch {
	case nowAny && !wasAny:
		return Event{Kind: Attached, Transport: TransportWiFi, Interface: name}, true
	case !nowAny && wasAny:
		return Event{Kind: Detached, Transport: TransportWiFi, Interface: name}, true
	}
	return Event{}, false
}

func (s *NetlinkSource) anyActive() bool {
	for _, up := range s.active {
		if up {
			return true
		}
	}
	return false
}

func (s *NetlinkSource) watches(name string) bool {
	if len(s.interfaces) > 0 {
		for _, n := range s.interfaces {
			if n == name {
				return true
			}
		}
		return false
	}
	_, err := os.Stat(filepath.Join(s.sysfs, name, "wireless"))
	return err == nil
}
