package ble

import "sync"

// DefaultMTU is the usable payload of a single write before the link
// negotiates a larger MTU (23-byte ATT MTU minus the 3-byte ATT header).
const DefaultMTU = 20

// TxQueue is the ordered buffer of pending outbound byte sequences. Entries
// longer than the MTU are split on dequeue: the head fragment is returned and
// the remainder stays at the front. Safe for concurrent producers; the
// session's drain loop is the only consumer.
type TxQueue struct {
	mu    sync.Mutex
	items [][]byte
	mtu   int
}

// NewTxQueue creates an empty queue bounded by mtu.
func NewTxQueue(mtu int) *TxQueue {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &TxQueue{mtu: mtu}
}

// Enqueue appends a copy of data to the tail. It reports whether the queue
// was empty before the call.
func (q *TxQueue) Enqueue(data []byte) (wasEmpty bool) {
	if len(data) == 0 {
		return false
	}
	cp := append([]byte(nil), data...)

	q.mu.Lock()
	defer q.mu.Unlock()
	wasEmpty = len(q.items) == 0
	q.items = append(q.items, cp)
	return wasEmpty
}

// Dequeue pops the head, at most MTU bytes of it.
func (q *TxQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	if len(head) > q.mtu {
		q.items[0] = head[q.mtu:]
		return head[:q.mtu:q.mtu], true
	}
	q.items[0] = nil
	q.items = q.items[1:]
	return head, true
}

// SetMTU changes the fragment bound for subsequent dequeues.
func (q *TxQueue) SetMTU(mtu int) {
	if mtu <= 0 {
		return
	}
	q.mu.Lock()
	q.mtu = mtu
	q.mu.Unlock()
}

// MTU returns the current fragment bound.
func (q *TxQueue) MTU() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mtu
}

// Len returns the number of queued entries (a partially sent entry counts
// as one).
func (q *TxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued entry and returns how many were dropped.
func (q *TxQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
