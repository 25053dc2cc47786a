// Package diff computes the JSON-Pointer patch between two states of a
// component instance, and decides when a patch is not worth sending: past a
// size threshold, or when the receiving client's version has drifted too far
// to apply a patch at all, a full-state resync is cheaper and safer than
// fighting to keep a patch stream coherent.
package diff
