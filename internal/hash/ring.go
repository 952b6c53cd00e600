// Package hash implements the consistent hash ring behind customer affinity.
package hash

import (
	"encoding/binary"
	"slices"

	"github.com/zeebo/xxh3"
)

// Ring maps keys to members with consistent hashing over virtual nodes.
//
// Adding or removing a member only moves the keys that member owned.
type Ring struct {
	// nodes are the virtual nodes sorted by hash
	nodes []virtualNode

	// members holds the unique members in insertion order
	members []string

	seed uint64
}

type virtualNode struct {
	hash      uint64
	memberIdx int
}

// NewRing builds a ring of members with virtualNodes points each.
//
// Duplicate members are placed once. A zero seed hashes without a seed.
//
// Example:
//
//	ring := hash.NewRing([]string{"op-1", "op-2"}, 64, 0)
//	owner := ring.Owner("customer-42")
func NewRing(members []string, virtualNodes int, seed uint64) *Ring {
	r := &Ring{seed: seed}

	seen := make(map[string]struct{}, len(members))
	r.members = make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		r.members = append(r.members, m)
	}

	r.nodes = make([]virtualNode, 0, len(r.members)*max(virtualNodes, 0))
	for i, m := range r.members {
		r.addMember(m, i, virtualNodes)
	}

	slices.SortFunc(r.nodes, func(a, b virtualNode) int {
		switch {
		case a.hash < b.hash:
			return -1
		case a.hash > b.hash:
			return 1
		default:
			return a.memberIdx - b.memberIdx
		}
	})

	return r
}

// Owner returns the member owning key, or "" on an empty ring.
func (r *Ring) Owner(key string) string {
	if len(r.nodes) == 0 {
		return ""
	}

	return r.members[r.nodes[r.search(r.hash(key))].memberIdx]
}

// Successors returns every member in clockwise ring order starting at the
// owner of key. Each member appears once.
func (r *Ring) Successors(key string) []string {
	if len(r.nodes) == 0 {
		return nil
	}

	out := make([]string, 0, len(r.members))
	visited := make([]bool, len(r.members))
	start := r.search(r.hash(key))
	for i := range r.nodes {
		n := r.nodes[(start+i)%len(r.nodes)]
		if visited[n.memberIdx] {
			continue
		}
		visited[n.memberIdx] = true
		out = append(out, r.members[n.memberIdx])
		if len(out) == len(r.members) {
			break
		}
	}

	return out
}

// Members returns the unique members on the ring.
func (r *Ring) Members() []string {
	return slices.Clone(r.members)
}

// Size returns the number of virtual nodes.
func (r *Ring) Size() int {
	return len(r.nodes)
}

func (r *Ring) addMember(member string, idx int, virtualNodes int) {
	for i := range virtualNodes {
		// Fold the member ID, then the vnode index, without building a string.
		h := r.hash(member)

		var ib [8]byte
		binary.LittleEndian.PutUint64(ib[:], uint64(i)) //nolint:gosec
		h = xxh3.HashSeed(ib[:], h)

		r.nodes = append(r.nodes, virtualNode{hash: h, memberIdx: idx})
	}
}

func (r *Ring) hash(key string) uint64 {
	if r.seed != 0 {
		return xxh3.HashStringSeed(key, r.seed)
	}

	return xxh3.HashString(key)
}

// search returns the index of the first node at or after target, wrapping to 0.
func (r *Ring) search(target uint64) int {
	idx, _ := slices.BinarySearchFunc(r.nodes, target, func(node virtualNode, t uint64) int {
		switch {
		case node.hash < t:
			return -1
		case node.hash > t:
			return 1
		default:
			return 0
		}
	})
	if idx >= len(r.nodes) {
		idx = 0
	}

	return idx
}
