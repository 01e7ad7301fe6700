package morpho

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// sortedList is an address-keyed doubly linked ordering of positions, sorted by
// descending balance. Nodes live in an arena map with explicit prev/next links
// so every operation is O(1) plus the bounded insertion scan.
type sortedList struct {
	head  common.Address
	tail  common.Address
	nodes map[common.Address]*listNode
}

type listNode struct {
	prev  common.Address
	next  common.Address
	value *big.Int
}

var zeroAddress common.Address

func newSortedList() *sortedList {
	return &sortedList{nodes: make(map[common.Address]*listNode)}
}

func (l *sortedList) Len() int {
	return len(l.nodes)
}

// Head returns the address with the largest balance, or the zero address when
// the list is empty.
func (l *sortedList) Head() common.Address {
	return l.head
}

func (l *sortedList) Tail() common.Address {
	return l.tail
}

func (l *sortedList) Next(id common.Address) common.Address {
	if node, ok := l.nodes[id]; ok {
		return node.next
	}
	return zeroAddress
}

func (l *sortedList) Prev(id common.Address) common.Address {
	if node, ok := l.nodes[id]; ok {
		return node.prev
	}
	return zeroAddress
}

func (l *sortedList) Contains(id common.Address) bool {
	_, ok := l.nodes[id]
	return ok
}

func (l *sortedList) Value(id common.Address) *big.Int {
	if node, ok := l.nodes[id]; ok {
		return node.value
	}
	return nil
}

// Remove unlinks id from the list. Removing an absent id is a no-op.
func (l *sortedList) Remove(id common.Address) {
	node, ok := l.nodes[id]
	if !ok {
		return
	}
	if node.prev != zeroAddress {
		l.nodes[node.prev].next = node.next
	} else {
		l.head = node.next
	}
	if node.next != zeroAddress {
		l.nodes[node.next].prev = node.prev
	} else {
		l.tail = node.prev
	}
	delete(l.nodes, id)
}

// InsertSorted places id so the list stays ordered by descending value. The
// rank scan walks from the head and gives up after maxIterations steps, leaving
// the node at the position reached. An under-sorted node only delays how soon
// the matcher reaches it; it never corrupts amounts. The id must not already be
// present and value must be positive.
func (l *sortedList) InsertSorted(id common.Address, value *big.Int, maxIterations uint64) {
	if id == zeroAddress || value == nil || value.Sign() <= 0 {
		return
	}
	if _, ok := l.nodes[id]; ok {
		return
	}

	node := &listNode{value: new(big.Int).Set(value)}
	l.nodes[id] = node

	if l.head == zeroAddress {
		l.head = id
		l.tail = id
		return
	}

	cursor := l.head
	var steps uint64
	for cursor != zeroAddress && steps < maxIterations {
		if l.nodes[cursor].value.Cmp(value) < 0 {
			break
		}
		cursor = l.nodes[cursor].next
		steps++
	}

	if cursor == zeroAddress {
		// Reached the tail: settle at the end.
		node.prev = l.tail
		l.nodes[l.tail].next = id
		l.tail = id
		return
	}
	// Found a smaller neighbour, or the scan budget ran out at this position.
	l.insertBefore(id, cursor)
}

func (l *sortedList) insertBefore(id, next common.Address) {
	node := l.nodes[id]
	nextNode := l.nodes[next]
	node.next = next
	node.prev = nextNode.prev
	if nextNode.prev != zeroAddress {
		l.nodes[nextNode.prev].next = id
	} else {
		l.head = id
	}
	nextNode.prev = id
}

func (l *sortedList) clone() *sortedList {
	cloned := &sortedList{
		head:  l.head,
		tail:  l.tail,
		nodes: make(map[common.Address]*listNode, len(l.nodes)),
	}
	for id, node := range l.nodes {
		cloned.nodes[id] = &listNode{
			prev:  node.prev,
			next:  node.next,
			value: new(big.Int).Set(node.value),
		}
	}
	return cloned
}
