// Package upload implements the chunked upload assembler: a file transfer
// tied to a mounted component instance and driven entirely over the same
// WebSocket connection as method calls and state updates.
//
// A client opens an upload with uploadBegin, streams base64-encoded chunks
// with uploadChunk in strict sequence, and closes it with uploadEnd. The
// Assembler tracks each uploadId through receiving -> finalizing -> done |
// failed | aborted (uploadBegin puts it straight into receiving), verifies an optional sha256
// digest against the assembled bytes, and reports throttled progress back
// to the connection that opened the upload. Bytes are written through a
// pluggable Sink, so the same state machine can land data on local disk or
// in S3 without change.
package upload
