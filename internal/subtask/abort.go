package subtask

import "sync"

// AbortToken carries a cooperative abort request into a running queue.
// A nil token never reports a request.
//
// Once the queue has passed its last group boundary the token is sealed and
// further requests are refused, since nothing would observe them.
type AbortToken struct {
	mu        sync.Mutex
	requested bool
	sealed    bool
}

// NewAbortToken creates an unset token
func NewAbortToken() *AbortToken {
	return &AbortToken{}
}

// Request sets the token and reports whether the request will be observed.
// Repeated requests on an unsealed token also return true.
func (t *AbortToken) Request() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return false
	}
	t.requested = true
	return true
}

// Requested reports whether an abort was requested
func (t *AbortToken) Requested() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requested
}

// Seal refuses later requests. It returns false if a request was already accepted.
func (t *AbortToken) Seal() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	return !t.requested
}
