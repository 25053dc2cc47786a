package protocol

// Limits bounds the sizes accepted by the wire codec, per spec §6's
// configuration table. pkg/server applies MaxFrameBytes to every inbound
// frame, upload chunk frames included; upload data is further bounded by
// MaxUploadBytes/ChunkBytes, enforced by pkg/upload.
type Limits struct {
	// MaxFrameBytes bounds an inbound WebSocket message of any kind.
	MaxFrameBytes int64

	// MaxUploadBytes bounds the total size of one upload.
	MaxUploadBytes int64

	// ChunkBytes bounds the size of one uploadChunk payload.
	ChunkBytes int
}

// DefaultLimits returns the spec's documented defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes:  1 << 20,  // 1 MiB
		MaxUploadBytes: 32 << 20, // 32 MiB
		ChunkBytes:     256 << 10,
	}
}

// CheckFrameSize reports a BAD_FRAME error if data exceeds MaxFrameBytes.
func (l Limits) CheckFrameSize(n int) error {
	if l.MaxFrameBytes > 0 && int64(n) > l.MaxFrameBytes {
		return NewError(ErrBadFrame, "frame exceeds maxFrameBytes")
	}
	return nil
}
