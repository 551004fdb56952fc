package p4ctl

import (
	"fmt"
	"net/netip"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/motemotech/p4ctl/internal/device"
	"github.com/motemotech/p4ctl/internal/logging"
	"github.com/motemotech/p4ctl/internal/reconcile"
	"github.com/motemotech/p4ctl/internal/rib"
)

// Config is the controller configuration.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Devices to manage at startup. More can be added at runtime.
	Devices []device.Info `yaml:"devices"`
	// Session holds per-device connection tunables shared by all
	// devices.
	Session *device.Config `yaml:"session"`
	// Pipeline maps forwarding program names to P4Runtime ids.
	Pipeline reconcile.Pipeline `yaml:"pipeline"`
	// Bootstrap is applied to the store on startup, before any device
	// converges.
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// DefaultConfig returns a config preloaded with the stock pipeline and
// the conventional lab topology: a default route and a directly
// connected segment behind eth0.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{
			Level: zapcore.InfoLevel,
		},
		Session:  device.DefaultConfig(),
		Pipeline: reconcile.DefaultPipeline(),
		Bootstrap: BootstrapConfig{
			Ports: []PortConfig{
				{ID: 1, Name: "eth0", Up: true},
			},
			Routes: []RouteConfig{
				{Prefix: "0.0.0.0/0", NextHop: "192.168.1.1", Interface: "eth0"},
				{Prefix: "192.168.1.0/24", Interface: "eth0"},
			},
			Neighbours: []NeighbourConfig{
				{IP: "192.168.1.1", MAC: "00:11:22:33:44:55", Interface: "eth0"},
			},
		},
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}

// BootstrapConfig is the initial desired state. It is applied through
// the ordinary mutation path, so devices converge on it exactly like on
// runtime changes.
type BootstrapConfig struct {
	Ports      []PortConfig      `yaml:"ports"`
	Routes     []RouteConfig     `yaml:"routes"`
	Neighbours []NeighbourConfig `yaml:"neighbours"`
}

// PortConfig describes a switch port.
type PortConfig struct {
	ID   uint32 `yaml:"id"`
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
	Up   bool   `yaml:"up"`
}

func (m PortConfig) parse() (rib.PortInfo, error) {
	port := rib.PortInfo{ID: m.ID, Name: m.Name, Up: m.Up}
	if m.MAC != "" {
		mac, err := rib.ParseMAC(m.MAC)
		if err != nil {
			return rib.PortInfo{}, fmt.Errorf("port %q: %w", m.Name, err)
		}
		port.MAC = mac
	}
	return port, nil
}

// RouteConfig describes a route. An empty next hop means the prefix is
// directly connected.
type RouteConfig struct {
	Prefix    string `yaml:"prefix"`
	NextHop   string `yaml:"nexthop"`
	Interface string `yaml:"interface"`
}

func (m RouteConfig) parse() (rib.RouteEntry, error) {
	prefix, err := netip.ParsePrefix(m.Prefix)
	if err != nil {
		return rib.RouteEntry{}, fmt.Errorf("route %q: %w", m.Prefix, err)
	}

	entry := rib.RouteEntry{Prefix: prefix, Interface: m.Interface}
	if m.NextHop != "" {
		nexthop, err := netip.ParseAddr(m.NextHop)
		if err != nil {
			return rib.RouteEntry{}, fmt.Errorf("route %q: %w", m.Prefix, err)
		}
		entry.NextHop = nexthop
	}
	return entry, nil
}

// NeighbourConfig describes a static neighbour binding.
type NeighbourConfig struct {
	IP        string `yaml:"ip"`
	MAC       string `yaml:"mac"`
	Interface string `yaml:"interface"`
}

func (m NeighbourConfig) parse() (rib.ArpEntry, error) {
	ip, err := netip.ParseAddr(m.IP)
	if err != nil {
		return rib.ArpEntry{}, fmt.Errorf("neighbour %q: %w", m.IP, err)
	}
	mac, err := rib.ParseMAC(m.MAC)
	if err != nil {
		return rib.ArpEntry{}, fmt.Errorf("neighbour %q: %w", m.IP, err)
	}
	return rib.ArpEntry{IP: ip, MAC: mac, Interface: m.Interface}, nil
}
