package reconcile

// Pipeline maps the logical table, field and action names of the
// forwarding program to their P4Runtime ids. The defaults match the
// shipped ipv4 forwarding pipeline; deployments with a recompiled
// program can override the ids in the config.
type Pipeline struct {
	// IPv4LpmTable holds routes, matched by destination prefix.
	IPv4LpmTable uint32 `yaml:"ipv4_lpm_table"`
	// IPv4DstField is the LPM match field of IPv4LpmTable.
	IPv4DstField uint32 `yaml:"ipv4_dst_field"`
	// ForwardAction rewrites the destination MAC and picks the egress
	// port.
	ForwardAction uint32 `yaml:"forward_action"`
	// ForwardMACParam and ForwardPortParam are the ForwardAction
	// parameters.
	ForwardMACParam  uint32 `yaml:"forward_mac_param"`
	ForwardPortParam uint32 `yaml:"forward_port_param"`

	// ArpTable holds neighbour bindings, matched exactly by IP.
	ArpTable uint32 `yaml:"arp_table"`
	// ArpIPField is the exact match field of ArpTable.
	ArpIPField uint32 `yaml:"arp_ip_field"`
	// ArpRewriteAction stores the resolved MAC for the binding.
	ArpRewriteAction uint32 `yaml:"arp_rewrite_action"`
	// ArpMACParam is the ArpRewriteAction parameter.
	ArpMACParam uint32 `yaml:"arp_mac_param"`
}

// DefaultPipeline returns the id mapping of the stock pipeline.
func DefaultPipeline() Pipeline {
	return Pipeline{
		IPv4LpmTable:     37375156,
		IPv4DstField:     1,
		ForwardAction:    28792405,
		ForwardMACParam:  1,
		ForwardPortParam: 2,
		ArpTable:         45332650,
		ArpIPField:       1,
		ArpRewriteAction: 30448715,
		ArpMACParam:      1,
	}
}

// Tables returns the reconciled tables by logical name. Used for
// name-pattern stats queries.
func (m Pipeline) Tables() map[string]uint32 {
	return map[string]uint32{
		"ipv4_lpm":  m.IPv4LpmTable,
		"arp_exact": m.ArpTable,
	}
}
