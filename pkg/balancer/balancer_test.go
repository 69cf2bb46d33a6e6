package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodes(ids ...string) []Node {
	out := make([]Node, len(ids))
	for i, id := range ids {
		out[i] = Node{ID: id}
	}
	return out
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", FirstName, RoundRobinName, RandomName, ConsistentHashName} {
		b, err := New(name)
		require.NoError(t, err, name)
		_, ok := b.Pick(nil, "k")
		assert.False(t, ok, name)
	}
	_, err := New("least_loaded")
	assert.Error(t, err)
}

func TestFirst(t *testing.T) {
	b, _ := New(FirstName)
	n, ok := b.Pick(nodes("h1", "h2"), "")
	require.True(t, ok)
	assert.Equal(t, "h1", n.ID)
}

func TestRoundRobin(t *testing.T) {
	b, _ := New(RoundRobinName)
	ns := nodes("h1", "h2", "h3")
	var got []string
	for i := 0; i < 4; i++ {
		n, _ := b.Pick(ns, "")
		got = append(got, n.ID)
	}
	assert.Equal(t, []string{"h1", "h2", "h3", "h1"}, got)
}

func TestRandom_StaysInSet(t *testing.T) {
	b, _ := New(RandomName)
	ns := nodes("h1", "h2")
	for i := 0; i < 20; i++ {
		n, ok := b.Pick(ns, "")
		require.True(t, ok)
		assert.Contains(t, []string{"h1", "h2"}, n.ID)
	}
}

func TestConsistentHash(t *testing.T) {
	b, _ := New(ConsistentHashName)
	ns := nodes("h1", "h2", "h3", "h4")

	n1, _ := b.Pick(ns, "doom-eternal")
	n2, _ := b.Pick(nodes("h4", "h3", "h2", "h1"), "doom-eternal")
	assert.Equal(t, n1, n2, "order of candidates must not matter")

	// 移除其他节点时，key 仍落在原节点
	var rest []Node
	for _, n := range ns {
		if n.ID == n1.ID || len(rest) == 0 {
			rest = append(rest, n)
		}
	}
	n3, _ := b.Pick(rest, "doom-eternal")
	assert.Equal(t, n1, n3)

	seen := map[string]bool{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		n, _ := b.Pick(ns, k)
		seen[n.ID] = true
	}
	assert.Greater(t, len(seen), 1)
}
