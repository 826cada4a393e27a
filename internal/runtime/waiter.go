package runtime

import (
	"sync"

	"github.com/streambus/streambus/internal/runtime/codec"
)

// resultWaiters correlates inbound result envelopes with outstanding calls.
// A waiter is registered before its call is appended so the result loop can
// never observe a result for which no channel exists yet.
type resultWaiters struct {
	mu      sync.Mutex
	waiters map[string]chan codec.Result
}

func newResultWaiters() *resultWaiters {
	return &resultWaiters{waiters: make(map[string]chan codec.Result)}
}

// register creates the channel for a call id. The channel is buffered so the
// result loop never blocks on a caller that is about to time out.
func (w *resultWaiters) register(callID string) <-chan codec.Result {
	ch := make(chan codec.Result, 1)
	w.mu.Lock()
	w.waiters[callID] = ch
	w.mu.Unlock()
	return ch
}

func (w *resultWaiters) unregister(callID string) {
	w.mu.Lock()
	delete(w.waiters, callID)
	w.mu.Unlock()
}

// dispatch hands a result to its waiter and reports whether one existed.
// Late and duplicate results find no waiter and are dropped by the caller.
func (w *resultWaiters) dispatch(res codec.Result) bool {
	w.mu.Lock()
	ch, ok := w.waiters[res.CallID]
	if ok {
		delete(w.waiters, res.CallID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// pending returns the number of outstanding waiters.
func (w *resultWaiters) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}
