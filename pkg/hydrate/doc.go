// Package hydrate owns instance identity: generating and validating instance
// ids, and computing the fingerprint a client presents on every method call
// so the runtime can detect whether a client's cached copy of an instance is
// still compatible with what the server would mount today.
package hydrate
