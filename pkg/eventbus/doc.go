// Package eventbus fans events out from one component instance to the
// connections subscribed to it, and across instances within a named room.
// Three scopes are supported: self (only the connection that triggered the
// emitting method call), broadcast (every subscriber of the emitting
// instance), and room (every subscriber of every instance joined to a named
// room). Events are delivered as the method emits them, while it is still
// running; the state update that the same call produces is broadcast only
// after the method returns, so a subscriber receives a call's events before
// that call's state update. The bus does not reorder the two.
package eventbus
