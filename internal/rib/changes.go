package rib

import (
	"fmt"
	"net/netip"

	"github.com/docker/go-events"
)

// ChangeKind tells the reconciliation layer what to do with a change.
type ChangeKind uint8

const (
	// ChangeUpsert means the entry must exist on the device with exactly
	// the carried content.
	ChangeUpsert ChangeKind = iota
	// ChangeDelete means the keyed entry must be absent from the device.
	ChangeDelete
)

func (m ChangeKind) String() string {
	switch m {
	case ChangeUpsert:
		return "UPSERT"
	case ChangeDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// TableKind identifies which logical table a change belongs to.
type TableKind uint8

const (
	TableRoute TableKind = iota
	TableArp
)

func (m TableKind) String() string {
	switch m {
	case TableRoute:
		return "route"
	case TableArp:
		return "arp"
	default:
		return "unknown"
	}
}

// Change is a pending-change record emitted by the store on every
// effective mutation. For deletes only the key part of the carried entry
// is meaningful.
type Change struct {
	Kind  ChangeKind
	Table TableKind
	Route RouteEntry
	Arp   ArpEntry
}

// Key returns the logical table key the change applies to. Changes with
// equal keys must be applied to a device in submission order.
func (m Change) Key() string {
	switch m.Table {
	case TableRoute:
		return "route/" + m.Route.Prefix.String()
	case TableArp:
		return "arp/" + m.Arp.IP.String()
	default:
		return "unknown"
	}
}

func (m Change) String() string {
	switch m.Table {
	case TableRoute:
		return fmt.Sprintf("%s route %s", m.Kind, m.Route.Prefix)
	case TableArp:
		return fmt.Sprintf("%s arp %s", m.Kind, m.Arp.IP)
	default:
		return m.Kind.String()
	}
}

// RouteUpsert builds an upsert change for a route.
func RouteUpsert(entry RouteEntry) Change {
	return Change{Kind: ChangeUpsert, Table: TableRoute, Route: entry}
}

// RouteDelete builds a delete change for a route key.
func RouteDelete(prefix netip.Prefix) Change {
	return Change{Kind: ChangeDelete, Table: TableRoute, Route: RouteEntry{Prefix: prefix}}
}

// ArpUpsert builds an upsert change for a neighbour binding.
func ArpUpsert(entry ArpEntry) Change {
	return Change{Kind: ChangeUpsert, Table: TableArp, Arp: entry}
}

// ArpDelete builds a delete change for a neighbour key.
func ArpDelete(ip netip.Addr) Change {
	return Change{Kind: ChangeDelete, Table: TableArp, Arp: ArpEntry{IP: ip}}
}

// Feed fans pending changes out to subscribers. Each device worker holds
// its own subscription, so a slow device never blocks mutations or other
// devices: events queue up in the subscriber's unbounded queue.
type Feed struct {
	broadcaster *events.Broadcaster
}

// NewFeed returns an empty change feed.
func NewFeed() *Feed {
	return &Feed{
		broadcaster: events.NewBroadcaster(),
	}
}

// Publish delivers the change to all current subscribers.
func (m *Feed) Publish(change Change) {
	// Broadcaster.Write never fails for queue sinks.
	_ = m.broadcaster.Write(change)
}

// Subscribe attaches a new buffered subscription to the feed.
func (m *Feed) Subscribe() *Subscription {
	ch := events.NewChannel(0)
	queue := events.NewQueue(ch)
	_ = m.broadcaster.Add(queue)

	return &Subscription{
		feed:    m,
		channel: ch,
		queue:   queue,
	}
}

// Close shuts down the feed and all attached subscriptions.
func (m *Feed) Close() error {
	return m.broadcaster.Close()
}

// Subscription is a single subscriber's view of the change feed.
type Subscription struct {
	feed    *Feed
	channel *events.Channel
	queue   *events.Queue
}

// C returns the channel changes arrive on. Values are always of type
// Change.
func (m *Subscription) C() <-chan events.Event {
	return m.channel.C
}

// Close detaches the subscription from the feed.
func (m *Subscription) Close() error {
	_ = m.feed.broadcaster.Remove(m.queue)
	if err := m.queue.Close(); err != nil {
		return err
	}
	return m.channel.Close()
}
