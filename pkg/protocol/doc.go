// Package protocol implements the Live Component Runtime wire codec.
//
// The wire format is newline-free framed JSON over a single WebSocket
// connection (subprotocol "live.v1"): every WebSocket message carries
// exactly one Envelope, a JSON object of the shape:
//
//	{ "updates": [ Update, ... ] }
//
// Each Update is a tagged union keyed by its "type" field. Inbound tags
// (client → server) are getInitialState, callMethod, subscribe,
// unsubscribe, uploadBegin, uploadChunk, uploadEnd, and ping. Outbound tags
// (server → client) are initial_state, state_update, event,
// function-result, function-error, upload-progress, pong, and error.
//
// Decoding is a two-pass process: first unmarshal the envelope's updates
// into raw tagged headers to read the "type" discriminator, then unmarshal
// the matching payload shape. This mirrors a dispatch-by-tag routine,
// adapted here for JSON instead of a length-prefixed binary frame.
package protocol
