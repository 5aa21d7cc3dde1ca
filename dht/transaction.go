package dht

import (
	"net"
	"sync"

	"github.com/arl/swarmgo/krpc"
)

// pendingQuery tracks an outgoing KRPC query awaiting a response.
type pendingQuery struct {
	txID   string
	method string
	target *net.UDPAddr
	done   chan *krpc.Message
}

// transactionManager hands out monotonic 2-byte transaction ids and
// tracks the single pending query, if any, for each one. At most one
// pending query exists per transaction id at a time: ids are only
// reused once their entry has been resolved or timed out, since the
// manager never reuses an id still present in the map.
type transactionManager struct {
	mu      sync.Mutex
	pending map[string]*pendingQuery
	counter uint16
}

func newTransactionManager() *transactionManager {
	return &transactionManager{pending: make(map[string]*pendingQuery)}
}

// newID generates a transaction id, skipping any still pending.
func (tm *transactionManager) newID() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for {
		tm.counter++
		id := string([]byte{byte(tm.counter >> 8), byte(tm.counter)})
		if _, busy := tm.pending[id]; !busy {
			return id
		}
	}
}

// register records a pending query and returns it; its done channel
// receives the matched response. Nothing is delivered after cancel, and
// drain closes the channel on shutdown.
func (tm *transactionManager) register(txID, method string, target *net.UDPAddr) *pendingQuery {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	pq := &pendingQuery{
		txID:   txID,
		method: method,
		target: target,
		done:   make(chan *krpc.Message, 1),
	}
	tm.pending[txID] = pq
	return pq
}

// resolve delivers msg to the pending query for txID, if any, and
// removes it. Returns false if txID has no pending entry (an unmatched
// or late datagram).
func (tm *transactionManager) resolve(txID string, msg *krpc.Message) bool {
	tm.mu.Lock()
	pq, ok := tm.pending[txID]
	if ok {
		delete(tm.pending, txID)
	}
	tm.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case pq.done <- msg:
	default:
	}
	return true
}

// cancel removes the pending entry for txID without resolving it to a
// response, used on timeout or explicit cancellation.
func (tm *transactionManager) cancel(txID string) {
	tm.mu.Lock()
	delete(tm.pending, txID)
	tm.mu.Unlock()
}

// drain fails every pending query and clears the table, used on
// shutdown.
func (tm *transactionManager) drain() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for id, pq := range tm.pending {
		close(pq.done)
		delete(tm.pending, id)
	}
}

// count returns the number of pending queries.
func (tm *transactionManager) count() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.pending)
}
