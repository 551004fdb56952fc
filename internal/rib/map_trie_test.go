package rib

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapTrieLookup(t *testing.T) {
	cases := []struct {
		prefix      string
		expectedIdx int
	}{
		{"192.168.9.0/16", 0},
		{"192.168.9.0/24", 1},
		{"192.0.0.0/8", 2},
	}
	trie := newMapTrie[string](0)
	for _, c := range cases {
		prefix := netip.MustParsePrefix(c.prefix)
		expected := netip.MustParsePrefix(cases[c.expectedIdx].prefix).Masked()

		trie.Insert(prefix, c.prefix)
		matched, _, ok := trie.Lookup(prefix.Addr())
		require.True(t, ok, "lookup %s, expected %s", prefix.Addr(), expected)
		require.Equal(t, expected, matched)
	}
}

func TestMapTrieLookupMiss(t *testing.T) {
	trie := newMapTrie[int](0)
	trie.Insert(netip.MustParsePrefix("10.0.0.0/8"), 1)

	_, _, ok := trie.Lookup(netip.MustParseAddr("11.0.0.1"))
	require.False(t, ok)

	// Non-IPv4 queries never match.
	_, _, ok = trie.Lookup(netip.MustParseAddr("fd00::1"))
	require.False(t, ok)
}

func TestMapTrieDefaultRoute(t *testing.T) {
	trie := newMapTrie[int](0)
	trie.Insert(netip.MustParsePrefix("0.0.0.0/0"), 42)

	prefix, value, ok := trie.Lookup(netip.MustParseAddr("203.0.113.7"))
	require.True(t, ok)
	require.Equal(t, 0, prefix.Bits())
	require.Equal(t, 42, value)
}

func TestMapTrieDelete(t *testing.T) {
	trie := newMapTrie[int](0)
	prefix := netip.MustParsePrefix("192.168.1.0/24")

	trie.Insert(prefix, 7)
	require.Equal(t, 1, trie.Len())

	require.True(t, trie.Delete(prefix))
	require.False(t, trie.Delete(prefix))
	require.Equal(t, 0, trie.Len())

	_, _, ok := trie.Lookup(netip.MustParseAddr("192.168.1.1"))
	require.False(t, ok)
}

func TestMapTrieDump(t *testing.T) {
	trie := newMapTrie[int](0)
	prefixes := []string{"0.0.0.0/0", "10.0.0.0/8", "10.1.0.0/16", "10.1.1.0/24"}
	for idx, raw := range prefixes {
		trie.Insert(netip.MustParsePrefix(raw), idx)
	}

	dump := trie.Dump()
	require.Len(t, dump, len(prefixes))
	for idx, raw := range prefixes {
		require.Equal(t, idx, dump[netip.MustParsePrefix(raw)])
	}
}
