// Package balancer 在多个可用节点中选出一个。
package balancer

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// 内置策略
const (
	FirstName          = "first"
	RoundRobinName     = "round_robin"
	RandomName         = "random"
	ConsistentHashName = "consistent_hash"
)

// Node 候选节点，ID 在同一次选择中唯一
type Node struct {
	ID string
}

// Balancer 选择策略；nodes 为空时返回 false
type Balancer interface {
	Pick(nodes []Node, key string) (Node, bool)
	Name() string
}

// New 按名称创建策略，空名称为 first
func New(name string) (Balancer, error) {
	switch name {
	case "", FirstName:
		return first{}, nil
	case RoundRobinName:
		return &roundRobin{}, nil
	case RandomName:
		return random{}, nil
	case ConsistentHashName:
		return &consistentHash{virtualNodes: 100}, nil
	}
	return nil, fmt.Errorf("balancer: unknown strategy %q", name)
}

// first 总是第一个，调用方负责排序
type first struct{}

func (first) Name() string { return FirstName }

func (first) Pick(nodes []Node, _ string) (Node, bool) {
	if len(nodes) == 0 {
		return Node{}, false
	}
	return nodes[0], true
}

type roundRobin struct {
	counter atomic.Uint64
}

func (*roundRobin) Name() string { return RoundRobinName }

func (b *roundRobin) Pick(nodes []Node, _ string) (Node, bool) {
	if len(nodes) == 0 {
		return Node{}, false
	}
	idx := b.counter.Add(1) - 1
	return nodes[idx%uint64(len(nodes))], true
}

type random struct{}

func (random) Name() string { return RandomName }

func (random) Pick(nodes []Node, _ string) (Node, bool) {
	if len(nodes) == 0 {
		return Node{}, false
	}
	return nodes[rand.IntN(len(nodes))], true
}

// consistentHash 相同 key 在节点集合不变时落到同一节点；节点增减只影响相邻区间
type consistentHash struct {
	virtualNodes int

	mu      sync.Mutex
	ring    []uint64
	owners  map[uint64]Node
	members string
}

func (*consistentHash) Name() string { return ConsistentHashName }

func (b *consistentHash) Pick(nodes []Node, key string) (Node, bool) {
	if len(nodes) == 0 {
		return Node{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if members := memberKey(nodes); members != b.members {
		b.build(nodes)
		b.members = members
	}

	h := xxhash.Sum64String(key)
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= h })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.owners[b.ring[idx]], true
}

func (b *consistentHash) build(nodes []Node) {
	b.ring = make([]uint64, 0, len(nodes)*b.virtualNodes)
	b.owners = make(map[uint64]Node, len(nodes)*b.virtualNodes)
	for _, n := range nodes {
		for i := 0; i < b.virtualNodes; i++ {
			h := xxhash.Sum64String(n.ID + "#" + strconv.Itoa(i))
			b.ring = append(b.ring, h)
			b.owners[h] = n
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func memberKey(nodes []Node) string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	sort.Strings(ids)
	var key []byte
	for _, id := range ids {
		key = append(key, id...)
		key = append(key, ',')
	}
	return string(key)
}
