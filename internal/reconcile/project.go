package reconcile

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/motemotech/p4ctl/internal/rib"
)

// fallbackMAC and fallbackPort are substituted when a next hop has no
// neighbour binding yet or an egress interface is unknown. The stale row
// is rewritten once the binding shows up.
var fallbackMAC = rib.MACAddr{0x08, 0x00, 0x00, 0x00, 0x00, 0x01}

const fallbackPort uint32 = 1

// Resolver supplies the neighbour and port lookups route projection
// depends on. *rib.RIB implements it.
type Resolver interface {
	LookupArp(ip netip.Addr) (rib.ArpEntry, bool)
	PortByName(name string) (rib.PortInfo, bool)
}

// ProjectRoute deterministically converts a route into the device table
// entry it must materialize as.
//
// The prefix becomes an LPM match on the destination address (omitted
// entirely for the default route, as P4Runtime forbids zero-length LPM
// matches); the next hop MAC and egress port become action parameters.
func ProjectRoute(p Pipeline, entry rib.RouteEntry, resolver Resolver) *p4v1.TableEntry {
	mac := fallbackMAC
	port := fallbackPort

	if portInfo, ok := resolver.PortByName(entry.Interface); ok {
		port = portInfo.ID
		if entry.Direct() && !portInfo.MAC.IsZero() {
			mac = portInfo.MAC
		}
	}
	if !entry.Direct() {
		if neighbour, ok := resolver.LookupArp(entry.NextHop); ok {
			mac = neighbour.MAC
		}
	}

	return &p4v1.TableEntry{
		TableId: p.IPv4LpmTable,
		Match:   routeMatch(p, entry.Prefix),
		Action: &p4v1.TableAction{
			Type: &p4v1.TableAction_Action{
				Action: &p4v1.Action{
					ActionId: p.ForwardAction,
					Params: []*p4v1.Action_Param{
						{ParamId: p.ForwardMACParam, Value: mac[:]},
						{ParamId: p.ForwardPortParam, Value: portValue(port)},
					},
				},
			},
		},
	}
}

// ProjectRouteKey builds the key-only entry used for deletes.
func ProjectRouteKey(p Pipeline, prefix netip.Prefix) *p4v1.TableEntry {
	return &p4v1.TableEntry{
		TableId: p.IPv4LpmTable,
		Match:   routeMatch(p, prefix),
	}
}

// ProjectArp converts a neighbour binding into its device table entry:
// an exact match on the IP with the MAC as the action parameter.
func ProjectArp(p Pipeline, entry rib.ArpEntry) *p4v1.TableEntry {
	return &p4v1.TableEntry{
		TableId: p.ArpTable,
		Match:   arpMatch(p, entry.IP),
		Action: &p4v1.TableAction{
			Type: &p4v1.TableAction_Action{
				Action: &p4v1.Action{
					ActionId: p.ArpRewriteAction,
					Params: []*p4v1.Action_Param{
						{ParamId: p.ArpMACParam, Value: entry.MAC[:]},
					},
				},
			},
		},
	}
}

// ProjectArpKey builds the key-only entry used for deletes.
func ProjectArpKey(p Pipeline, ip netip.Addr) *p4v1.TableEntry {
	return &p4v1.TableEntry{
		TableId: p.ArpTable,
		Match:   arpMatch(p, ip),
	}
}

// ProjectChange projects any pending change into the table entry the
// write must carry. Deletes carry the key only.
func ProjectChange(p Pipeline, change rib.Change, resolver Resolver) *p4v1.TableEntry {
	switch change.Table {
	case rib.TableRoute:
		if change.Kind == rib.ChangeDelete {
			return ProjectRouteKey(p, change.Route.Prefix)
		}
		return ProjectRoute(p, change.Route, resolver)
	case rib.TableArp:
		if change.Kind == rib.ChangeDelete {
			return ProjectArpKey(p, change.Arp.IP)
		}
		return ProjectArp(p, change.Arp)
	default:
		return nil
	}
}

func routeMatch(p Pipeline, prefix netip.Prefix) []*p4v1.FieldMatch {
	if prefix.Bits() == 0 {
		return nil
	}

	addr := prefix.Addr().As4()
	return []*p4v1.FieldMatch{{
		FieldId: p.IPv4DstField,
		FieldMatchType: &p4v1.FieldMatch_Lpm{
			Lpm: &p4v1.FieldMatch_LPM{
				Value:     addr[:],
				PrefixLen: int32(prefix.Bits()),
			},
		},
	}}
}

func arpMatch(p Pipeline, ip netip.Addr) []*p4v1.FieldMatch {
	addr := ip.As4()
	return []*p4v1.FieldMatch{{
		FieldId: p.ArpIPField,
		FieldMatchType: &p4v1.FieldMatch_Exact_{
			Exact: &p4v1.FieldMatch_Exact{Value: addr[:]},
		},
	}}
}

// portValue encodes an egress port id as the 2-byte parameter the
// pipeline expects.
func portValue(port uint32) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(port))
	return buf
}

// EntryKey returns a deterministic identity for a table entry derived
// from its table id and match fields. Entries with equal keys refer to
// the same device table row.
func EntryKey(entry *p4v1.TableEntry) string {
	key := fmt.Sprintf("t%d", entry.GetTableId())
	for _, field := range entry.GetMatch() {
		switch match := field.GetFieldMatchType().(type) {
		case *p4v1.FieldMatch_Exact_:
			key += fmt.Sprintf("/f%d=%x", field.FieldId, match.Exact.Value)
		case *p4v1.FieldMatch_Lpm:
			key += fmt.Sprintf("/f%d=%x|%d", field.FieldId, match.Lpm.Value, match.Lpm.PrefixLen)
		default:
			key += fmt.Sprintf("/f%d=%v", field.FieldId, match)
		}
	}
	return key
}
