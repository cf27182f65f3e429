// Package charge implements the optional, feature-gated charge-group
// overlay: a hierarchical accounting tree (cgroup-like) whose nodes
// each own an LRU scope and are charged/uncharged on alloc/free (§4.7).
// A charged page is recorded into its node's scope only when the
// allocation request names that scope; charging alone does not change
// which scope the page joins. It
// generalizes the teacher's cache.MemoryBudget — a flat map of named
// components each with a usage counter and priority-ordered eviction
// candidates — into a parent-linked tree so a charge bubbles to every
// ancestor the way cgroup memory accounting does, while keeping the
// teacher's core idea: a node tracks its own usage against its own
// limit, independent of its siblings.
package charge

import (
	"sync"

	"epc/pkg/lru"
)

// Node is one charge-group node: a local LRU scope (so reclaim can be
// scoped to exactly this subtree) plus an accounting counter checked
// against limit and bubbled to every ancestor.
type Node struct {
	mu       sync.Mutex
	parent   *Node
	children []*Node
	limit    int64
	used     int64
	scope    *lru.Scope
}

// NewRoot creates a root charge-group node with the given byte limit.
// A limit of 0 means unbounded.
func NewRoot(limit int64) *Node {
	return &Node{limit: limit, scope: lru.NewScope()}
}

// NewChild creates a child node of n with its own limit and LRU scope.
func (n *Node) NewChild(limit int64) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &Node{parent: n, limit: limit, scope: lru.NewScope()}
	n.children = append(n.children, c)
	return c
}

// Scope returns this node's own LRU scope. Pages charged to n are
// recorded here only if the allocation request passes this scope.
func (n *Node) Scope() *lru.Scope { return n.scope }

// Used returns the node's own current usage.
func (n *Node) Used() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.used
}

// TryCharge attempts to charge bytes to n and to every ancestor,
// failing (and rolling back any partial charge already applied) if n
// or any ancestor would exceed its limit. Does not itself trigger
// reclaim — spec.md's cg_try_charge semantics put the reclaim retry
// loop in the allocator, mirroring how MemoryBudget.Track only
// accounts and leaves eviction to the pager's evictIfNeeded.
func (n *Node) TryCharge(bytes int64) bool {
	var chain []*Node
	for cur := n; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}

	for _, cur := range chain {
		cur.mu.Lock()
	}
	defer func() {
		for _, cur := range chain {
			cur.mu.Unlock()
		}
	}()

	for _, cur := range chain {
		if cur.limit > 0 && cur.used+bytes > cur.limit {
			// Nothing committed yet; bail before the second loop
			// touches any node's counter.
			return false
		}
	}
	for _, cur := range chain {
		cur.used += bytes
	}
	return true
}

// Uncharge releases bytes from n and every ancestor.
func (n *Node) Uncharge(bytes int64) {
	for cur := n; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		cur.used -= bytes
		if cur.used < 0 {
			cur.used = 0
		}
		cur.mu.Unlock()
	}
}

// LRUEmpty reports whether this node's own LRU scope has nothing
// reclaimable (cg_lru_empty).
func (n *Node) LRUEmpty() bool { return !n.scope.HasReclaimable() }

// Children returns a snapshot of n's child nodes, used when a global
// isolate pass drains the root scope first and then walks the overlay
// subtree for more candidates (§4.7).
func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Node(nil), n.children...)
}
