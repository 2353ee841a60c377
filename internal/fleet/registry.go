// Package fleet keeps the set of logical worker nodes alive: it seeds them
// from marketplace state at startup, runs their watch loops on a shared
// pool, and reconciles the set against configuration reloads.
package fleet

import (
	"sort"
	"strconv"
	"sync"
	"unicode"

	"taskfleet/internal/core"
	"taskfleet/internal/node"
)

// Registry is the live node set, keyed by node tag.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*node.Node
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*node.Node)}
}

// Add registers a node, replacing any previous node with the same tag.
func (r *Registry) Add(n *node.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.NodeTag()] = n
}

// Get returns the node with the given tag.
func (r *Registry) Get(nodeTag string) (*node.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeTag]
	return n, ok
}

// Remove drops the node with the given tag.
func (r *Registry) Remove(nodeTag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeTag)
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Keys returns the registered tags in natural order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	tags := make([]string, 0, len(r.nodes))
	for tag := range r.nodes {
		tags = append(tags, tag)
	}
	r.mu.RUnlock()

	sortNatural(tags)
	return tags
}

// Values returns the registered nodes sorted by tag in natural order, so
// miner_2 sorts before miner_10.
func (r *Registry) Values() []*node.Node {
	r.mu.RLock()
	nodes := make([]*node.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool {
		return naturalLess(nodes[i].NodeTag(), nodes[j].NodeTag())
	})
	return nodes
}

// Rows snapshots every node for the state table and the dashboard.
func (r *Registry) Rows() []core.TableRow {
	values := r.Values()
	rows := make([]core.TableRow, 0, len(values))
	for _, n := range values {
		rows = append(rows, n.Row())
	}
	return rows
}

func sortNatural(tags []string) {
	sort.Slice(tags, func(i, j int) bool { return naturalLess(tags[i], tags[j]) })
}

// naturalLess compares strings chunk-wise, digit runs as numbers and
// everything else lexically.
func naturalLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		ca, a2 := chunk(a)
		cb, b2 := chunk(b)
		if ca != cb {
			na, aErr := strconv.Atoi(ca)
			nb, bErr := strconv.Atoi(cb)
			if aErr == nil && bErr == nil {
				return na < nb
			}
			return ca < cb
		}
		a, b = a2, b2
	}
	return len(a) < len(b)
}

// chunk splits off the leading run of digits or non-digits.
func chunk(s string) (string, string) {
	isDigit := unicode.IsDigit(rune(s[0]))
	for i, r := range s {
		if unicode.IsDigit(r) != isDigit {
			return s[:i], s[i:]
		}
	}
	return s, ""
}
