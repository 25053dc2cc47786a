// Package registry holds the catalog of component types a runtime knows how
// to mount: for each registered name, a state factory, the set of callable
// methods, optional lifecycle hooks, and an optional JSON Schema used to
// validate incoming props before a type is instantiated.
//
// Registration is expected to happen once at process startup from
// cmd/livecomponentd; lookups happen on every getInitialState and rehydration
// attempt, so Registry is safe for concurrent read access after Register
// calls have stopped.
package registry
