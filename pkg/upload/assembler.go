package upload

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/livecomponent/runtime/pkg/dispatch"
	"github.com/livecomponent/runtime/pkg/lifecycle"
	"github.com/livecomponent/runtime/pkg/protocol"
)

// uploadCompleteMethod is the instance method name HandleEnd invokes once an
// upload has been durably stored, per spec scenario 5.
const uploadCompleteMethod = "onUploadComplete"

// DefaultProgressInterval bounds how often HandleChunk sends upload-progress
// to the originating connection.
const DefaultProgressInterval = 100 * time.Millisecond

// Connection is the minimal surface the assembler needs to report progress
// back to an originating socket. It is an alias for dispatch.Connection so
// that an *Assembler satisfies dispatch.UploadHandler directly.
type Connection = dispatch.Connection

type state int

const (
	stateReceiving state = iota
	stateFinalizing
	stateDone
	stateFailed
	stateAborted
)

type pendingUpload struct {
	mu sync.Mutex

	uploadID     string
	instanceID   string
	connID       string
	totalBytes   int64
	chunkBytes   int
	expectSHA256 string

	received     int64
	hasher       hash.Hash
	writer       io.WriteCloser
	conn         Connection
	lastProgress time.Time
	state        state
}

// MetricsSink receives upload outcome counters. pkg/server.Metrics
// implements it; callers wire it in with SetMetricsSink once both the
// server and the assembler exist.
type MetricsSink interface {
	AddUploadBytes(n int64)
	IncUploadFailed()
}

// Assembler implements dispatch.UploadHandler, driving every in-flight
// upload's receiving -> finalizing -> done | failed | aborted transitions.
// An upload enters receiving directly from HandleBegin; there are no
// separate idle or opening states.
type Assembler struct {
	sink             Sink
	manager          *lifecycle.Manager
	maxUploadBytes   int64
	chunkBytes       int
	progressInterval time.Duration
	logger           *slog.Logger
	metrics          MetricsSink

	mu      sync.Mutex
	pending map[string]*pendingUpload
}

// SetMetricsSink wires metrics into an already-constructed Assembler. Safe
// to call once before the assembler starts handling uploads.
func (a *Assembler) SetMetricsSink(sink MetricsSink) {
	a.metrics = sink
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithProgressInterval overrides DefaultProgressInterval.
func WithProgressInterval(d time.Duration) Option {
	return func(a *Assembler) { a.progressInterval = d }
}

// New builds an Assembler writing through sink, validating parent instances
// against manager, and bounding uploads to the given limits.
func New(sink Sink, manager *lifecycle.Manager, limits protocol.Limits, logger *slog.Logger, opts ...Option) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Assembler{
		sink:             sink,
		manager:          manager,
		maxUploadBytes:   limits.MaxUploadBytes,
		chunkBytes:       limits.ChunkBytes,
		progressInterval: DefaultProgressInterval,
		logger:           logger,
		pending:          make(map[string]*pendingUpload),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HandleBegin opens a new upload, rejecting it if the parent instance is not
// mounted or the declared sizes exceed the configured limits.
func (a *Assembler) HandleBegin(ctx context.Context, conn Connection, u *protocol.UploadBegin) error {
	if _, ok := a.manager.Get(u.InstanceID); !ok {
		return protocol.NewError(protocol.ErrVersionGap, "instance "+u.InstanceID+" is not mounted on this server")
	}

	chunkBytes := u.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = a.chunkBytes
	}
	if a.maxUploadBytes > 0 && u.TotalBytes > a.maxUploadBytes {
		return protocol.NewError(protocol.ErrSizeLimit, "totalBytes exceeds maxUploadBytes")
	}
	if a.chunkBytes > 0 && chunkBytes > a.chunkBytes {
		return protocol.NewError(protocol.ErrSizeLimit, "chunkSize exceeds configured chunkBytes")
	}

	a.mu.Lock()
	if _, exists := a.pending[u.UploadID]; exists {
		a.mu.Unlock()
		return protocol.NewError(protocol.ErrBadSeq, "uploadId "+u.UploadID+" is already open")
	}
	a.mu.Unlock()

	writer, err := a.sink.Create(u.UploadID)
	if err != nil {
		return protocol.NewError(protocol.ErrInternal, "failed to open upload sink: "+err.Error())
	}

	pu := &pendingUpload{
		uploadID:     u.UploadID,
		instanceID:   u.InstanceID,
		connID:       conn.ID(),
		totalBytes:   u.TotalBytes,
		chunkBytes:   chunkBytes,
		expectSHA256: u.SHA256,
		hasher:       sha256.New(),
		writer:       writer,
		conn:         conn,
		state:        stateReceiving,
	}

	a.mu.Lock()
	a.pending[u.UploadID] = pu
	a.mu.Unlock()

	return nil
}

// HandleChunk appends one chunk, enforcing strict sequential ordering, the
// per-chunk size, and the total-size limit, and emits a throttled upload-progress reply.
func (a *Assembler) HandleChunk(ctx context.Context, conn Connection, u *protocol.UploadChunk) error {
	pu := a.get(u.UploadID)
	if pu == nil {
		return protocol.NewError(protocol.ErrBadSeq, "unknown uploadId "+u.UploadID)
	}

	data, err := base64.StdEncoding.DecodeString(u.BytesBase64)
	if err != nil {
		a.fail(pu, protocol.ErrBadFrame, "chunk payload is not valid base64")
		return protocol.NewError(protocol.ErrBadFrame, "chunk payload is not valid base64")
	}

	pu.mu.Lock()
	defer pu.mu.Unlock()

	if pu.state != stateReceiving {
		return protocol.NewError(protocol.ErrBadSeq, "upload "+u.UploadID+" is not receiving")
	}

	expectedSeq := int(pu.received / int64(pu.chunkBytes))
	if u.Seq != expectedSeq {
		a.failLocked(pu, protocol.ErrBadSeq, "expected seq "+strconv.Itoa(expectedSeq)+", got "+strconv.Itoa(u.Seq))
		return protocol.NewError(protocol.ErrBadSeq, "out-of-order or duplicate chunk seq")
	}

	if len(data) > pu.chunkBytes {
		a.failLocked(pu, protocol.ErrSizeLimit, "chunk exceeds chunkSize")
		return protocol.NewError(protocol.ErrSizeLimit, "chunk exceeds chunkSize")
	}

	if pu.received+int64(len(data)) > pu.totalBytes {
		a.failLocked(pu, protocol.ErrSizeLimit, "chunk overruns declared totalBytes")
		return protocol.NewError(protocol.ErrSizeLimit, "chunk overruns declared totalBytes")
	}

	if _, err := pu.writer.Write(data); err != nil {
		a.failLocked(pu, protocol.ErrInternal, "sink write failed: "+err.Error())
		return protocol.NewError(protocol.ErrInternal, "sink write failed: "+err.Error())
	}
	pu.hasher.Write(data)
	pu.received += int64(len(data))

	if time.Since(pu.lastProgress) >= a.progressInterval || pu.received == pu.totalBytes {
		pu.lastProgress = time.Now()
		_ = pu.conn.Send(&protocol.UploadProgress{
			Type:     protocol.TypeUploadProgress,
			UploadID: pu.uploadID,
			Received: pu.received,
			Total:    pu.totalBytes,
		})
	}

	return nil
}

// HandleEnd verifies the assembled upload's size and digest, finalizes it
// through the sink, removes it from the pending set, and notifies the
// owning instance of the completed upload's stored path.
func (a *Assembler) HandleEnd(ctx context.Context, conn Connection, u *protocol.UploadEnd) error {
	pu := a.get(u.UploadID)
	if pu == nil {
		return protocol.NewError(protocol.ErrBadSeq, "unknown uploadId "+u.UploadID)
	}

	pu.mu.Lock()

	if pu.state != stateReceiving {
		pu.mu.Unlock()
		return protocol.NewError(protocol.ErrBadSeq, "upload "+u.UploadID+" is not receiving")
	}

	if pu.received != pu.totalBytes {
		a.failLocked(pu, protocol.ErrSizeLimit, "received bytes do not match totalBytes")
		pu.mu.Unlock()
		return protocol.NewError(protocol.ErrSizeLimit, "received bytes do not match totalBytes")
	}

	if pu.expectSHA256 != "" {
		sum := hex.EncodeToString(pu.hasher.Sum(nil))
		if sum != pu.expectSHA256 {
			a.failLocked(pu, protocol.ErrHashMismatch, "sha256 mismatch")
			pu.mu.Unlock()
			return protocol.NewError(protocol.ErrHashMismatch, "sha256 mismatch")
		}
	}

	pu.state = stateFinalizing
	if err := pu.writer.Close(); err != nil {
		a.failLocked(pu, protocol.ErrInternal, "sink close failed: "+err.Error())
		pu.mu.Unlock()
		return protocol.NewError(protocol.ErrInternal, "sink close failed: "+err.Error())
	}
	path, err := a.sink.Finalize(pu.uploadID)
	if err != nil {
		a.failLocked(pu, protocol.ErrInternal, "sink finalize failed: "+err.Error())
		pu.mu.Unlock()
		return protocol.NewError(protocol.ErrInternal, "sink finalize failed: "+err.Error())
	}

	pu.state = stateDone
	_ = pu.conn.Send(&protocol.UploadProgress{
		Type:     protocol.TypeUploadProgress,
		UploadID: pu.uploadID,
		Received: pu.received,
		Total:    pu.totalBytes,
	})
	instanceID, uploadID, received := pu.instanceID, pu.uploadID, pu.received
	pu.mu.Unlock()

	a.mu.Lock()
	delete(a.pending, uploadID)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.AddUploadBytes(received)
	}

	a.notifyUploadComplete(ctx, instanceID, uploadID, path)

	return nil
}

// notifyUploadComplete invokes the owning instance's onUploadComplete method
// with the completed upload's id and stored path, per spec scenario 5. The
// upload has already succeeded by this point, so a component that doesn't
// register the method is skipped silently, and a handler error is logged
// and otherwise ignored, rather than retroactively failing the upload.
func (a *Assembler) notifyUploadComplete(ctx context.Context, instanceID, uploadID, path string) {
	inst, ok := a.manager.Get(instanceID)
	if !ok {
		return
	}

	uploadIDJSON, err := json.Marshal(uploadID)
	if err != nil {
		return
	}
	pathJSON, err := json.Marshal(path)
	if err != nil {
		return
	}

	_, callErr := inst.Call(ctx, uploadCompleteMethod, []json.RawMessage{uploadIDJSON, pathJSON}, "", nil)
	if callErr == nil {
		return
	}
	if perr, ok := callErr.(*protocol.Error); ok && perr.Code == protocol.ErrUnknownMethod {
		return
	}
	a.logger.Warn("onUploadComplete hook failed", "uploadId", uploadID, "instanceId", instanceID, "error", callErr)
}

// AbortForInstance moves every in-flight upload for instanceID to aborted,
// per (I5): uploads must not outlive their parent instance.
func (a *Assembler) AbortForInstance(instanceID string) {
	a.abortWhere(func(pu *pendingUpload) bool { return pu.instanceID == instanceID })
}

// AbortForConnection moves every in-flight upload opened by connID to
// aborted, called when the owning connection closes.
func (a *Assembler) AbortForConnection(connID string) {
	a.abortWhere(func(pu *pendingUpload) bool { return pu.connID == connID })
}

func (a *Assembler) abortWhere(match func(*pendingUpload) bool) {
	a.mu.Lock()
	var victims []*pendingUpload
	for id, pu := range a.pending {
		if match(pu) {
			victims = append(victims, pu)
			delete(a.pending, id)
		}
	}
	a.mu.Unlock()

	for _, pu := range victims {
		pu.mu.Lock()
		if pu.state == stateReceiving {
			pu.state = stateAborted
			_ = pu.writer.Close()
			if err := a.sink.Remove(pu.uploadID); err != nil {
				a.logger.Warn("failed to remove aborted upload", "uploadId", pu.uploadID, "error", err)
			}
			if a.metrics != nil {
				a.metrics.IncUploadFailed()
			}
		}
		pu.mu.Unlock()
	}
}

func (a *Assembler) get(uploadID string) *pendingUpload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending[uploadID]
}

// fail transitions pu to failed without already holding pu.mu.
func (a *Assembler) fail(pu *pendingUpload, code protocol.ErrorCode, message string) {
	pu.mu.Lock()
	a.failLocked(pu, code, message)
	pu.mu.Unlock()
}

// failLocked transitions pu to failed; caller must hold pu.mu.
func (a *Assembler) failLocked(pu *pendingUpload, code protocol.ErrorCode, message string) {
	if pu.state == stateFailed || pu.state == stateAborted || pu.state == stateDone {
		return
	}
	pu.state = stateFailed
	_ = pu.writer.Close()
	if err := a.sink.Remove(pu.uploadID); err != nil {
		a.logger.Warn("failed to remove failed upload", "uploadId", pu.uploadID, "error", err)
	}

	a.mu.Lock()
	delete(a.pending, pu.uploadID)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.IncUploadFailed()
	}

	a.logger.Warn("upload failed", "uploadId", pu.uploadID, "code", code, "message", message)
}
