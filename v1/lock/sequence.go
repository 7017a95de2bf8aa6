package lock

import (
	"math"
	"slices"
	"strconv"
	"strings"
)

// sequenceNode is a child created with a service-assigned sequence number.
type sequenceNode struct {
	name string
	seq  int32
}

// parseSequenceNode extracts the sequence number that directly follows the
// last occurrence of prefix in name.
func parseSequenceNode(name, prefix string) (sequenceNode, bool) {
	i := strings.LastIndex(name, prefix)
	if i < 0 {
		return sequenceNode{}, false
	}
	n, err := strconv.ParseInt(name[i+len(prefix):], 10, 32)
	if err != nil {
		return sequenceNode{}, false
	}
	return sequenceNode{name: name, seq: int32(n)}, true
}

// parseSequenceNodes keeps the names that parse as sequence nodes.
func parseSequenceNodes(names []string, prefix string) []sequenceNode {
	nodes := make([]sequenceNode, 0, len(names))
	for _, n := range names {
		if sn, ok := parseSequenceNode(n, prefix); ok {
			nodes = append(nodes, sn)
		}
	}
	return nodes
}

// sortSequenceNodes orders nodes by creation. Sequence numbers are signed
// 32-bit counters that wrap, so when the set spans the wrap point negative
// numbers sort after the positive ones. Numbers are assumed to never be more
// than half the range apart.
func sortSequenceNodes(nodes []sequenceNode) {
	if len(nodes) < 2 {
		return
	}
	lo, hi := nodes[0].seq, nodes[0].seq
	for _, n := range nodes[1:] {
		lo = min(lo, n.seq)
		hi = max(hi, n.seq)
	}
	wrapped := lo < math.MinInt32/2 && hi >= 0
	key := func(n sequenceNode) int64 {
		if wrapped && n.seq < 0 {
			return int64(n.seq) + 1<<32
		}
		return int64(n.seq)
	}
	slices.SortFunc(nodes, func(a, b sequenceNode) int {
		ka, kb := key(a), key(b)
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		}
		return strings.Compare(a.name, b.name)
	})
}

// predecessor returns the node queued directly before name. found is false
// when name is not among nodes.
func predecessor(nodes []sequenceNode, name string) (prev string, found bool) {
	sortSequenceNodes(nodes)
	for i, n := range nodes {
		if n.name == name {
			if i == 0 {
				return "", true
			}
			return nodes[i-1].name, true
		}
	}
	return "", false
}
