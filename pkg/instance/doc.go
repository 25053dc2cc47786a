// Package instance hosts one mounted component: its current state, its
// monotonic version counter, and the single worker goroutine that drains its
// mailbox. Exactly one method call, mount, or unmount runs against an
// instance's state at any moment — callers enqueue work onto a bounded
// channel rather than touching state directly, the way a session's event
// loop in this codebase is the only goroutine allowed to mutate its signals.
package instance
