package upload

import "io"

// Sink is where an upload's bytes land once assembled. DiskSink and S3Sink
// are the two implementations the runtime ships with; a caller wanting
// another backing store (GCS, a database blob column) only needs to
// implement this interface.
type Sink interface {
	// Create opens a fresh destination for uploadID and returns a writer
	// the assembler appends chunks to in order. Called once per upload,
	// from HandleBegin.
	Create(uploadID string) (io.WriteCloser, error)

	// Finalize is called after the writer returned by Create has been
	// closed and the assembled bytes have passed size and digest checks.
	// Implementations that stage data under a temporary name (DiskSink's
	// ".part" files) should make it permanent here. It returns the stored
	// location (a filesystem path, or an s3://bucket/key URI) so the caller can pass
	// it on to the owning instance's onUploadComplete hook.
	Finalize(uploadID string) (path string, err error)

	// Remove discards everything written for uploadID. Called when an
	// upload fails (BAD_SEQ, SIZE_LIMIT, HASH_MISMATCH, an undecodable
	// chunk, or a sink error) or is aborted (instance teardown, connection
	// close) — never after a successful Finalize.
	Remove(uploadID string) error
}
