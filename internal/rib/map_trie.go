package rib

import (
	"maps"
	"net/netip"
)

// mapTrie is a prefix trie with properties of a length-bucketed map: an
// array of maps where each index corresponds to an IPv4 prefix length.
//
// Lookup cost is proportional to the number of possible prefix lengths,
// not to the number of stored entries.
type mapTrie[V any] [33]map[netip.Prefix]V

func newMapTrie[V any](cap int) mapTrie[V] {
	trie := mapTrie[V]{}
	for idx := range trie {
		trie[idx] = make(map[netip.Prefix]V, cap)
	}
	return trie
}

// Lookup finds the value stored under the longest prefix containing addr.
func (m *mapTrie[V]) Lookup(addr netip.Addr) (netip.Prefix, V, bool) {
	if !addr.Is4() {
		var zeroPrefix netip.Prefix
		var zeroValue V
		return zeroPrefix, zeroValue, false
	}

	for bits := addr.BitLen(); bits >= 0; bits-- {
		prefix, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		if value, ok := m[bits][prefix]; ok {
			return prefix, value, true
		}
	}

	var zeroPrefix netip.Prefix
	var zeroValue V
	return zeroPrefix, zeroValue, false
}

// Get returns the value stored under exactly the given prefix.
func (m *mapTrie[V]) Get(prefix netip.Prefix) (V, bool) {
	if !m.holds(prefix) {
		var zeroValue V
		return zeroValue, false
	}
	value, ok := m[prefix.Bits()][prefix.Masked()]
	return value, ok
}

// holds reports whether the prefix length fits the trie buckets.
func (m *mapTrie[V]) holds(prefix netip.Prefix) bool {
	return prefix.Bits() >= 0 && prefix.Bits() < len(m)
}

// Insert stores the value under the prefix, replacing any previous value.
func (m *mapTrie[V]) Insert(prefix netip.Prefix, value V) {
	prefix = prefix.Masked()
	m[prefix.Bits()][prefix] = value
}

// Delete removes the prefix. It reports whether the prefix was present.
func (m *mapTrie[V]) Delete(prefix netip.Prefix) bool {
	if !m.holds(prefix) {
		return false
	}
	prefix = prefix.Masked()
	if _, ok := m[prefix.Bits()][prefix]; !ok {
		return false
	}
	delete(m[prefix.Bits()], prefix)
	return true
}

// Len returns the total number of stored prefixes.
func (m *mapTrie[V]) Len() int {
	l := 0
	for idx := range m {
		l += len(m[idx])
	}
	return l
}

// Dump creates a flat map of all prefixes and their values.
func (m *mapTrie[V]) Dump() map[netip.Prefix]V {
	out := make(map[netip.Prefix]V, m.Len())
	for idx := range m {
		maps.Copy(out, m[idx])
	}
	return out
}
