package pool

import "errors"

// ErrClosed is returned by any operation submitted after Stop has been
// called — the actor goroutine is no longer draining its message queue.
var ErrClosed = errors.New("pool: actor is closed")
