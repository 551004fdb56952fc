package rib

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRIB(t *testing.T) (*RIB, *Subscription) {
	t.Helper()

	feed := NewFeed()
	sub := feed.Subscribe()
	t.Cleanup(func() {
		sub.Close()
		feed.Close()
	})
	return New(feed, zap.NewNop().Sugar()), sub
}

func nextChange(t *testing.T, sub *Subscription) Change {
	t.Helper()

	select {
	case event := <-sub.C():
		change, ok := event.(Change)
		require.True(t, ok, "unexpected event type %T", event)
		return change
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a pending change")
		return Change{}
	}
}

func requireNoChange(t *testing.T, sub *Subscription) {
	t.Helper()

	select {
	case event := <-sub.C():
		t.Fatalf("unexpected pending change: %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func mustRoute(prefix, nexthop, iface string) RouteEntry {
	entry := RouteEntry{
		Prefix:    netip.MustParsePrefix(prefix),
		Interface: iface,
	}
	if nexthop != "" {
		entry.NextHop = netip.MustParseAddr(nexthop)
	}
	return entry
}

func TestAddRouteRejectsMalformedPrefixes(t *testing.T) {
	m, _ := newTestRIB(t)

	cases := []struct {
		name  string
		entry RouteEntry
	}{
		{"host bits set", mustRoute("192.168.1.5/24", "192.168.1.1", "eth0")},
		{"ipv6 prefix", mustRoute("fd00::/64", "", "eth0")},
		{"ipv6 next hop", RouteEntry{
			Prefix:    netip.MustParsePrefix("10.0.0.0/8"),
			NextHop:   netip.MustParseAddr("fd00::1"),
			Interface: "eth0",
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := m.AddRoute(c.entry)
			require.ErrorIs(t, err, ErrInvalidPrefix)
		})
	}
}

func TestLookupRouteLongestMatch(t *testing.T) {
	m, _ := newTestRIB(t)

	local := mustRoute("192.168.1.0/24", "", "eth0")
	dflt := mustRoute("0.0.0.0/0", "192.168.1.1", "eth0")
	require.NoError(t, m.AddRoute(local))
	require.NoError(t, m.AddRoute(dflt))

	entry, ok := m.LookupRoute(netip.MustParseAddr("192.168.1.100"))
	require.True(t, ok)
	require.Equal(t, local, entry)

	entry, ok = m.LookupRoute(netip.MustParseAddr("8.8.8.8"))
	require.True(t, ok)
	require.Equal(t, dflt, entry)
}

func TestLookupRouteNoMatch(t *testing.T) {
	m, _ := newTestRIB(t)

	require.NoError(t, m.AddRoute(mustRoute("10.1.0.0/16", "", "eth1")))

	_, ok := m.LookupRoute(netip.MustParseAddr("10.2.0.1"))
	require.False(t, ok)
}

func TestAddRouteIdempotent(t *testing.T) {
	m, sub := newTestRIB(t)

	entry := mustRoute("10.0.0.0/8", "192.168.1.1", "eth0")
	require.NoError(t, m.AddRoute(entry))

	change := nextChange(t, sub)
	require.Equal(t, ChangeUpsert, change.Kind)
	require.Equal(t, entry, change.Route)

	// A byte-identical insert changes nothing and emits nothing.
	require.NoError(t, m.AddRoute(entry))
	requireNoChange(t, sub)
	require.Equal(t, 1, m.routes.Len())
}

func TestAddRouteReplace(t *testing.T) {
	m, sub := newTestRIB(t)

	require.NoError(t, m.AddRoute(mustRoute("10.0.0.0/8", "192.168.1.1", "eth0")))
	nextChange(t, sub)

	replacement := mustRoute("10.0.0.0/8", "192.168.1.2", "eth1")
	require.NoError(t, m.AddRoute(replacement))

	change := nextChange(t, sub)
	require.Equal(t, ChangeUpsert, change.Kind)
	require.Equal(t, replacement, change.Route)
	require.Equal(t, 1, m.routes.Len())

	entry, ok := m.LookupRoute(netip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	require.Equal(t, replacement, entry)
}

func TestRemoveRouteNotFound(t *testing.T) {
	m, sub := newTestRIB(t)

	require.NoError(t, m.AddRoute(mustRoute("10.0.0.0/8", "192.168.1.1", "eth0")))
	nextChange(t, sub)

	err := m.RemoveRoute(netip.MustParsePrefix("172.16.0.0/12"))
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, m.routes.Len())
	requireNoChange(t, sub)
}

func TestRoutesInsertionOrder(t *testing.T) {
	m, _ := newTestRIB(t)

	first := mustRoute("10.0.0.0/8", "192.168.1.1", "eth0")
	second := mustRoute("192.168.1.0/24", "", "eth0")
	third := mustRoute("0.0.0.0/0", "192.168.1.1", "eth0")
	for _, entry := range []RouteEntry{first, second, third} {
		require.NoError(t, m.AddRoute(entry))
	}

	// A replace keeps the original position.
	replacement := mustRoute("10.0.0.0/8", "192.168.1.254", "eth2")
	require.NoError(t, m.AddRoute(replacement))

	got := []RouteEntry{}
	for entry := range m.Routes() {
		got = append(got, entry)
	}
	require.Equal(t, []RouteEntry{replacement, second, third}, got)
}

func TestRoutesSnapshotIsRestartable(t *testing.T) {
	m, _ := newTestRIB(t)

	require.NoError(t, m.AddRoute(mustRoute("10.0.0.0/8", "192.168.1.1", "eth0")))
	require.NoError(t, m.AddRoute(mustRoute("172.16.0.0/12", "192.168.1.1", "eth0")))

	snapshot := m.Routes()

	count := 0
	for range snapshot {
		count++
		break // partial consumption must not exhaust the snapshot
	}
	require.Equal(t, 1, count)

	require.NoError(t, m.RemoveRoute(netip.MustParsePrefix("172.16.0.0/12")))

	count = 0
	for range snapshot {
		count++
	}
	require.Equal(t, 2, count, "snapshot must be decoupled from later mutations")
}

func TestArpLifecycle(t *testing.T) {
	m, sub := newTestRIB(t)

	gw := netip.MustParseAddr("192.168.1.1")
	mac, err := ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)

	require.NoError(t, m.AddArp(ArpEntry{IP: gw, MAC: mac, Interface: "eth0"}))
	change := nextChange(t, sub)
	require.Equal(t, ChangeUpsert, change.Kind)
	require.Equal(t, TableArp, change.Table)

	entry, ok := m.LookupArp(gw)
	require.True(t, ok)
	require.Equal(t, mac, entry.MAC)
	require.False(t, entry.UpdatedAt.IsZero())

	// Re-adding the same binding refreshes the timestamp only.
	require.NoError(t, m.AddArp(ArpEntry{IP: gw, MAC: mac, Interface: "eth0"}))
	requireNoChange(t, sub)

	require.NoError(t, m.RemoveArp(gw))
	change = nextChange(t, sub)
	require.Equal(t, ChangeDelete, change.Kind)
	require.Equal(t, gw, change.Arp.IP)

	_, ok = m.LookupArp(gw)
	require.False(t, ok)

	require.ErrorIs(t, m.RemoveArp(gw), ErrNotFound)
}

func TestArpOverwrite(t *testing.T) {
	m, sub := newTestRIB(t)

	gw := netip.MustParseAddr("192.168.1.1")
	oldMAC, _ := ParseMAC("00:11:22:33:44:55")
	newMAC, _ := ParseMAC("66:77:88:99:aa:bb")

	require.NoError(t, m.AddArp(ArpEntry{IP: gw, MAC: oldMAC, Interface: "eth0"}))
	nextChange(t, sub)

	require.NoError(t, m.AddArp(ArpEntry{IP: gw, MAC: newMAC, Interface: "eth0"}))
	change := nextChange(t, sub)
	require.Equal(t, newMAC, change.Arp.MAC)

	entries := []ArpEntry{}
	for entry := range m.Neighbours() {
		entries = append(entries, entry)
	}
	require.Len(t, entries, 1, "duplicate insert must overwrite, not append")
	require.Equal(t, newMAC, entries[0].MAC)
}

func TestRoutesVia(t *testing.T) {
	m, _ := newTestRIB(t)

	gw := netip.MustParseAddr("192.168.1.1")
	require.NoError(t, m.AddRoute(mustRoute("0.0.0.0/0", "192.168.1.1", "eth0")))
	require.NoError(t, m.AddRoute(mustRoute("10.0.0.0/8", "192.168.1.1", "eth0")))
	require.NoError(t, m.AddRoute(mustRoute("192.168.1.0/24", "", "eth0")))

	dependent := m.RoutesVia(gw)
	require.Len(t, dependent, 2)
}

func TestPortLifecycle(t *testing.T) {
	m, _ := newTestRIB(t)

	mac, _ := ParseMAC("08:00:00:00:01:01")
	require.NoError(t, m.AddPort(PortInfo{ID: 1, Name: "eth0", MAC: mac, Up: true}))

	port, ok := m.PortByName("eth0")
	require.True(t, ok)
	require.True(t, port.Up)

	require.NoError(t, m.UpdatePortStatus(1, false))
	port, _ = m.PortByName("eth0")
	require.False(t, port.Up)

	require.ErrorIs(t, m.UpdatePortStatus(9, true), ErrNotFound)

	require.NoError(t, m.RemovePort(1))
	require.ErrorIs(t, m.RemovePort(1), ErrNotFound)
}
