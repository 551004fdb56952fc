package rib

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidPrefix is returned for prefixes that are not valid IPv4
	// network addresses (host bits set, wrong family, bad length).
	ErrInvalidPrefix = errors.New("invalid prefix")
	// ErrNotFound is returned when a remove or direct lookup misses.
	ErrNotFound = errors.New("not found")
)

// MACAddr is a hashable EUI-48 hardware address.
type MACAddr [6]byte

// ParseMAC parses a textual EUI-48 address.
func ParseMAC(s string) (MACAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MACAddr{}, err
	}
	if len(hw) != 6 {
		return MACAddr{}, fmt.Errorf("not an EUI-48 address: %q", s)
	}
	return MACAddr(hw), nil
}

func (m MACAddr) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IsZero reports whether the address is all-zero.
func (m MACAddr) IsZero() bool {
	return m == MACAddr{}
}

func (m MACAddr) MarshalYAML() (any, error) {
	return m.String(), nil
}

func (m *MACAddr) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	addr, err := ParseMAC(raw)
	if err != nil {
		return err
	}
	*m = addr
	return nil
}

// RouteEntry describes a desired unicast route.
//
// Entries are keyed by Prefix and never mutated in place: adding an entry
// with an existing key replaces the previous one.
type RouteEntry struct {
	// Prefix is the destination network. It must be masked: host bits are
	// rejected on insertion.
	Prefix netip.Prefix `yaml:"prefix"`
	// NextHop is the gateway address. The zero Addr means the destination
	// is directly connected via Interface.
	NextHop netip.Addr `yaml:"next_hop,omitempty"`
	// Interface is the egress interface name.
	Interface string `yaml:"interface"`
}

// Direct reports whether the route has no gateway.
func (m RouteEntry) Direct() bool {
	return !m.NextHop.IsValid()
}

func (m RouteEntry) String() string {
	if m.Direct() {
		return fmt.Sprintf("%s direct dev %s", m.Prefix, m.Interface)
	}
	return fmt.Sprintf("%s via %s dev %s", m.Prefix, m.NextHop, m.Interface)
}

// Validate checks that the route can be used as a desired-state entry.
func (m RouteEntry) Validate() error {
	if !m.Prefix.IsValid() || !m.Prefix.Addr().Is4() {
		return fmt.Errorf("%w: %s is not an IPv4 prefix", ErrInvalidPrefix, m.Prefix)
	}
	if m.Prefix.Masked() != m.Prefix {
		return fmt.Errorf("%w: %s has host bits set", ErrInvalidPrefix, m.Prefix)
	}
	if m.NextHop.IsValid() && !m.NextHop.Is4() {
		return fmt.Errorf("%w: next hop %s is not an IPv4 address", ErrInvalidPrefix, m.NextHop)
	}
	return nil
}

// ArpEntry binds an IPv4 address to a hardware address.
type ArpEntry struct {
	// IP is the protocol address, unique within the cache.
	IP netip.Addr `yaml:"ip"`
	// MAC is the resolved hardware address.
	MAC MACAddr `yaml:"mac"`
	// Interface is the interface the binding was learned on.
	Interface string `yaml:"interface"`
	// UpdatedAt is refreshed on every upsert.
	UpdatedAt time.Time `yaml:"-"`
}

func (m ArpEntry) String() string {
	return fmt.Sprintf("%s -> %s dev %s", m.IP, m.MAC, m.Interface)
}

// equivalent ignores the refresh timestamp.
func (m ArpEntry) equivalent(other ArpEntry) bool {
	return m.IP == other.IP && m.MAC == other.MAC && m.Interface == other.Interface
}

// PortInfo describes a switch port known to the controller.
type PortInfo struct {
	// ID is the dataplane port number.
	ID uint32 `yaml:"id"`
	// Name is the interface name callers refer to.
	Name string `yaml:"name"`
	// MAC is the port hardware address.
	MAC MACAddr `yaml:"mac"`
	// IP is the optional port protocol address.
	IP netip.Addr `yaml:"ip,omitempty"`
	// Up is the administrative status.
	Up bool `yaml:"up"`
}
