// Package dispatch routes decoded wire updates to the right component
// instance and turns the result back into wire updates: a function-result or
// function-error for the calling connection, and a state_update fanned out
// to every subscriber of the instance that changed. It also owns per-
// connection rate limiting, applied before an update reaches an instance's
// mailbox at all.
package dispatch
