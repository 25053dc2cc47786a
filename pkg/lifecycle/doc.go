// Package lifecycle owns the instance store: mounting new instances,
// looking them up by id, and reclaiming ones that have gone idle. A reaper
// goroutine walks the store on a fixed interval and unmounts anything past
// its configured TTL, mirroring the periodic cleanup sweep used elsewhere in
// this codebase for expiring sessions.
package lifecycle
