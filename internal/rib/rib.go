package rib

import (
	"fmt"
	"iter"
	"net/netip"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RIB is the source of truth for desired forwarding state: unicast
// routes, the neighbour (ARP) cache and switch ports.
//
// All operations are in-memory and complete synchronously. Every
// effective mutation emits a pending-change record on the feed; the RIB
// itself never talks to a device.
type RIB struct {
	mu         sync.RWMutex
	routes     mapTrie[routeSlot]
	neighbours map[netip.Addr]neighSlot
	ports      map[uint32]PortInfo
	seq        uint64
	feed       *Feed
	log        *zap.SugaredLogger
}

// routeSlot pairs an entry with its insertion sequence number, used to
// keep listing order deterministic.
type routeSlot struct {
	entry RouteEntry
	seq   uint64
}

type neighSlot struct {
	entry ArpEntry
	seq   uint64
}

// New returns an empty RIB publishing pending changes to feed.
func New(feed *Feed, log *zap.SugaredLogger) *RIB {
	return &RIB{
		routes:     newMapTrie[routeSlot](16),
		neighbours: make(map[netip.Addr]neighSlot),
		ports:      make(map[uint32]PortInfo),
		feed:       feed,
		log:        log,
	}
}

// Feed returns the pending-change feed of this RIB.
func (m *RIB) Feed() *Feed {
	return m.feed
}

// AddRoute inserts or replaces the route keyed by its prefix.
//
// Re-inserting a byte-identical entry is a no-op. A conflicting entry
// under the same key replaces the old one; the downstream modify covers
// the stale device row because the device table key is unchanged.
func (m *RIB) AddRoute(entry RouteEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if old, ok := m.routes.Get(entry.Prefix); ok {
		if old.entry == entry {
			m.mu.Unlock()
			m.log.Debugf("route %s unchanged, skipping", entry.Prefix)
			return nil
		}
		// Keep the original insertion position on replace.
		m.routes.Insert(entry.Prefix, routeSlot{entry: entry, seq: old.seq})
	} else {
		m.seq++
		m.routes.Insert(entry.Prefix, routeSlot{entry: entry, seq: m.seq})
	}
	m.mu.Unlock()

	m.log.Infow("added unicast route",
		zap.Stringer("prefix", entry.Prefix),
		zap.Stringer("next_hop", entry.NextHop),
		zap.String("interface", entry.Interface),
	)
	m.feed.Publish(RouteUpsert(entry))
	return nil
}

// RemoveRoute deletes the route keyed by prefix.
func (m *RIB) RemoveRoute(prefix netip.Prefix) error {
	m.mu.Lock()
	ok := m.routes.Delete(prefix)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("route %s: %w", prefix, ErrNotFound)
	}

	m.log.Infow("removed unicast route", zap.Stringer("prefix", prefix))
	m.feed.Publish(RouteDelete(prefix.Masked()))
	return nil
}

// LookupRoute returns the longest-prefix-match entry for addr.
func (m *RIB) LookupRoute(addr netip.Addr) (RouteEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, slot, ok := m.routes.Lookup(addr)
	return slot.entry, ok
}

// Routes returns a restartable snapshot of all routes in insertion
// order. The snapshot is decoupled from later mutations.
func (m *RIB) Routes() iter.Seq[RouteEntry] {
	m.mu.RLock()
	slots := make([]routeSlot, 0, m.routes.Len())
	for _, slot := range m.routes.Dump() {
		slots = append(slots, slot)
	}
	m.mu.RUnlock()

	slices.SortFunc(slots, func(a, b routeSlot) int {
		return int(a.seq) - int(b.seq)
	})

	return func(yield func(RouteEntry) bool) {
		for _, slot := range slots {
			if !yield(slot.entry) {
				return
			}
		}
	}
}

// RoutesVia returns routes whose next hop equals addr, in insertion
// order. Used to re-project routes when a neighbour binding changes.
func (m *RIB) RoutesVia(addr netip.Addr) []RouteEntry {
	out := []RouteEntry{}
	for entry := range m.Routes() {
		if entry.NextHop == addr {
			out = append(out, entry)
		}
	}
	return out
}

// AddArp upserts a neighbour binding. A binding for an existing IP is
// overwritten, not appended; the timestamp is refreshed either way.
func (m *RIB) AddArp(entry ArpEntry) error {
	if !entry.IP.IsValid() || !entry.IP.Is4() {
		return fmt.Errorf("%w: %s is not an IPv4 address", ErrInvalidPrefix, entry.IP)
	}
	entry.UpdatedAt = time.Now()

	m.mu.Lock()
	old, existed := m.neighbours[entry.IP]
	if existed {
		m.neighbours[entry.IP] = neighSlot{entry: entry, seq: old.seq}
	} else {
		m.seq++
		m.neighbours[entry.IP] = neighSlot{entry: entry, seq: m.seq}
	}
	m.mu.Unlock()

	if existed && old.entry.equivalent(entry) {
		// Pure refresh, nothing for the device to do.
		m.log.Debugf("refreshed neighbour %s", entry.IP)
		return nil
	}

	m.log.Infow("added neighbour",
		zap.Stringer("ip", entry.IP),
		zap.Stringer("mac", entry.MAC),
		zap.String("interface", entry.Interface),
	)
	m.feed.Publish(ArpUpsert(entry))
	return nil
}

// RemoveArp deletes the binding for ip.
func (m *RIB) RemoveArp(ip netip.Addr) error {
	m.mu.Lock()
	_, ok := m.neighbours[ip]
	if ok {
		delete(m.neighbours, ip)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("neighbour %s: %w", ip, ErrNotFound)
	}

	m.log.Infow("removed neighbour", zap.Stringer("ip", ip))
	m.feed.Publish(ArpDelete(ip))
	return nil
}

// LookupArp returns the binding for ip.
func (m *RIB) LookupArp(ip netip.Addr) (ArpEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot, ok := m.neighbours[ip]
	return slot.entry, ok
}

// Neighbours returns a restartable snapshot of the ARP cache in
// insertion order.
func (m *RIB) Neighbours() iter.Seq[ArpEntry] {
	m.mu.RLock()
	slots := make([]neighSlot, 0, len(m.neighbours))
	for _, slot := range m.neighbours {
		slots = append(slots, slot)
	}
	m.mu.RUnlock()

	slices.SortFunc(slots, func(a, b neighSlot) int {
		return int(a.seq) - int(b.seq)
	})

	return func(yield func(ArpEntry) bool) {
		for _, slot := range slots {
			if !yield(slot.entry) {
				return
			}
		}
	}
}

// AddPort upserts a switch port.
func (m *RIB) AddPort(port PortInfo) error {
	if port.Name == "" {
		return fmt.Errorf("port %d: empty interface name", port.ID)
	}

	m.mu.Lock()
	m.ports[port.ID] = port
	m.mu.Unlock()

	m.log.Infow("added port",
		zap.Uint32("port_id", port.ID),
		zap.String("name", port.Name),
		zap.Bool("up", port.Up),
	)
	return nil
}

// UpdatePortStatus flips the administrative status of a port.
func (m *RIB) UpdatePortStatus(portID uint32, up bool) error {
	m.mu.Lock()
	port, ok := m.ports[portID]
	if ok {
		port.Up = up
		m.ports[portID] = port
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("port %d: %w", portID, ErrNotFound)
	}

	m.log.Infow("updated port status", zap.Uint32("port_id", portID), zap.Bool("up", up))
	return nil
}

// RemovePort deletes a port.
func (m *RIB) RemovePort(portID uint32) error {
	m.mu.Lock()
	_, ok := m.ports[portID]
	if ok {
		delete(m.ports, portID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("port %d: %w", portID, ErrNotFound)
	}

	m.log.Infow("removed port", zap.Uint32("port_id", portID))
	return nil
}

// PortByName finds a port by interface name.
func (m *RIB) PortByName(name string) (PortInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, port := range m.ports {
		if port.Name == name {
			return port, true
		}
	}
	return PortInfo{}, false
}

// Ports returns a snapshot of all ports ordered by port id.
func (m *RIB) Ports() iter.Seq[PortInfo] {
	m.mu.RLock()
	ports := make([]PortInfo, 0, len(m.ports))
	for _, port := range m.ports {
		ports = append(ports, port)
	}
	m.mu.RUnlock()

	slices.SortFunc(ports, func(a, b PortInfo) int {
		return int(a.ID) - int(b.ID)
	})

	return func(yield func(PortInfo) bool) {
		for _, port := range ports {
			if !yield(port) {
				return
			}
		}
	}
}
