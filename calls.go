package wsbridge

import (
	"strconv"
	"sync"
)

type pendingCall struct {
	Client ServiceClient
	Handle any
}

// callRegistry correlates outgoing service calls with their responses.
// Entries survive reconnection because the response may arrive on a newer connection.
type callRegistry struct {
	mu      sync.Mutex
	lastID  uint64
	pending map[string]pendingCall
}

func newCallRegistry() *callRegistry {
	return &callRegistry{
		pending: map[string]pendingCall{},
	}
}

// Register allocates next correlation id and stores the pending call under it.
func (r *callRegistry) Register(client ServiceClient, handle any) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++
	id := strconv.FormatUint(r.lastID, 10)
	r.pending[id] = pendingCall{
		Client: client,
		Handle: handle,
	}
	return id
}

// Take removes and returns the pending call.
func (r *callRegistry) Take(id string) (pendingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, exists := r.pending[id]
	if exists {
		delete(r.pending, id)
	}
	return call, exists
}

func (r *callRegistry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, id)
}

func (r *callRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending)
}
