//go:build linux

package connectivity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func TestNetlinkClassifyWirelessFromSysfs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "wlan0", "wireless"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "eth0"), 0755))

	s := NewNetlinkSource(nil)
	s.sysfs = root

	_, ok := s.classify("eth0", netlink.OperUp, false)
	assert.False(t, ok, "wired links are not watched")

	_, ok = s.classify("wlan0", netlink.OperDown, false)
	assert.False(t, ok, "down while already down")

	ev, ok := s.classify("wlan0", netlink.OperUp, false)
	require.True(t, ok)
	assert.Equal(t, Attached, ev.Kind)
	assert.Equal(t, "wlan0", ev.Interface)

	_, ok = s.classify("wlan0", netlink.OperUp, false)
	assert.False(t, ok, "repeated up is not a transition")

	ev, ok = s.classify("wlan0", netlink.OperDormant, false)
	require.True(t, ok)
	assert.Equal(t, Detached, ev.Kind)
}

func TestNetlinkClassifyExplicitInterfaces(t *testing.T) {
	s := NewNetlinkSource([]string{"wlp2s0"})
	s.sysfs = t.TempDir()

	_, ok := s.classify("wlan0", netlink.OperUp, false)
	assert.False(t, ok)

	ev, ok := s.classify("wlp2s0", netlink.OperUp, false)
	require.True(t, ok)
	assert.Equal(t, TransportWiFi, ev.Transport)
}

func TestNetlinkCloseIsIdempotent(t *testing.T) {
	s := NewNetlinkSource(nil)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestNetlinkUnpluggedAdapterDetaches(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "wlx0", "wireless")
	require.NoError(t, os.MkdirAll(dir, 0755))

	s := NewNetlinkSource(nil)
	s.sysfs = root

	ev, ok := s.classify("wlx0", netlink.OperUp, false)
	require.True(t, ok)
	assert.Equal(t, Attached, ev.Kind)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "wlx0")))

	ev, ok = s.classify("wlx0", netlink.OperDown, false)
	require.True(t, ok, "a link seen before stays watched without sysfs")
	assert.Equal(t, Detached, ev.Kind)
}

func TestNetlinkDelLinkDetaches(t *testing.T) {
	s := NewNetlinkSource([]string{"wlan0"})
	s.sysfs = t.TempDir()

	_, ok := s.classify("wlan0", netlink.OperUp, false)
	require.True(t, ok)

	ev, ok := s.classify("wlan0", netlink.OperUp, true)
	require.True(t, ok)
	assert.Equal(t, Detached, ev.Kind)

	_, ok = s.classify("wlan0", netlink.OperUp, true)
	assert.False(t, ok, "second removal is not a transition")
}

func TestNetlinkDetachWaitsForLastWirelessLink(t *testing.T) {
	s := NewNetlinkSource([]string{"wlan0", "wlan1"})
	s.sysfs = t.TempDir()

	ev, ok := s.classify("wlan0", netlink.OperUp, false)
	require.True(t, ok)
	assert.Equal(t, Attached, ev.Kind)

	_, ok = s.classify("wlan1", netlink.OperUp, false)
	assert.False(t, ok, "already attached")

	_, ok = s.classify("wlan0", netlink.OperDown, false)
	assert.False(t, ok, "wlan1 is still up")

	ev, ok = s.classify("wlan1", netlink.OperDown, false)
	require.True(t, ok)
	assert.Equal(t, Detached, ev.Kind)
}
