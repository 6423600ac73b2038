//go:build !linux

package connectivity

import (
	"context"
	"errors"
)

// NetlinkSource is unavailable outside Linux.
type NetlinkSource struct{}

// NewNetlinkSource returns a source whose Subscribe always fails.
func NewNetlinkSource(names []string) *NetlinkSource {
	logger.Warn("Netlink connectivity source is only available on Linux")
	return &NetlinkSource{}
}

func (s *NetlinkSource) Subscribe(ctx context.Context) (<-chan Event, error) {
	return nil, errors.New("netlink source requires linux")
}

func (s *NetlinkSource) Close() error { return nil }
