package protocol

import "encoding/json"

// UpdateType is the "type" discriminator carried by every Update.
type UpdateType string

// Inbound update types (client -> server).
const (
	TypeGetInitialState UpdateType = "getInitialState"
	TypeCallMethod      UpdateType = "callMethod"
	TypeSubscribe       UpdateType = "subscribe"
	TypeUnsubscribe     UpdateType = "unsubscribe"
	TypeUploadBegin     UpdateType = "uploadBegin"
	TypeUploadChunk     UpdateType = "uploadChunk"
	TypeUploadEnd       UpdateType = "uploadEnd"
	TypePing            UpdateType = "ping"
)

// Outbound update types (server -> client).
const (
	TypeInitialState   UpdateType = "initial_state"
	TypeStateUpdate    UpdateType = "state_update"
	TypeEvent          UpdateType = "event"
	TypeFunctionResult UpdateType = "function-result"
	TypeFunctionError  UpdateType = "function-error"
	TypeUploadProgress UpdateType = "upload-progress"
	TypePong           UpdateType = "pong"
	TypeError          UpdateType = "error"
)

// Update is implemented by every inbound and outbound payload. Kind reports
// the "type" tag so the envelope can be marshalled without a wrapper field.
type Update interface {
	Kind() UpdateType
}

// GetInitialState requests (and lazily mounts) a component instance.
type GetInitialState struct {
	Type           UpdateType      `json:"type"`
	ComponentName  string          `json:"componentName"`
	Props          json.RawMessage `json:"props,omitempty"`
	UserProvidedID string          `json:"userProvidedId,omitempty"`
}

func (u *GetInitialState) Kind() UpdateType { return TypeGetInitialState }

// CallMethod invokes a method on an existing (or rehydrated) instance.
type CallMethod struct {
	Type             UpdateType        `json:"type"`
	ComponentName    string            `json:"name"`
	ID               string            `json:"id"`
	MethodName       string            `json:"methodName"`
	Params           []json.RawMessage `json:"params,omitempty"`
	State            json.RawMessage   `json:"state,omitempty"`
	Fingerprint      string            `json:"fingerprint,omitempty"`
	HydrationAttempt bool              `json:"hydrationAttempt,omitempty"`
	RequestID        string            `json:"requestId,omitempty"`
}

func (u *CallMethod) Kind() UpdateType { return TypeCallMethod }

// Subscribe attaches the sending connection as a subscriber of an instance.
// KnownVersion is the version the client last observed for this instance (0
// if it has none yet, e.g. a fresh subscribe right after getInitialState);
// the server replies to every subscribe with a full resync and uses
// KnownVersion only as that reply's fromVersion.
type Subscribe struct {
	Type         UpdateType `json:"type"`
	ID           string     `json:"id"`
	KnownVersion uint64     `json:"knownVersion,omitempty"`
}

func (u *Subscribe) Kind() UpdateType { return TypeSubscribe }

// Unsubscribe detaches the sending connection from an instance.
type Unsubscribe struct {
	Type UpdateType `json:"type"`
	ID   string     `json:"id"`
}

func (u *Unsubscribe) Kind() UpdateType { return TypeUnsubscribe }

// UploadBegin opens a chunked upload tied to a component instance.
type UploadBegin struct {
	Type       UpdateType `json:"type"`
	InstanceID string     `json:"instanceId"`
	UploadID   string     `json:"uploadId"`
	FileName   string     `json:"fileName"`
	TotalBytes int64      `json:"totalBytes"`
	ChunkBytes int        `json:"chunkSize"`
	SHA256     string     `json:"sha256,omitempty"`
}

func (u *UploadBegin) Kind() UpdateType { return TypeUploadBegin }

// UploadChunk appends one chunk to an in-progress upload.
type UploadChunk struct {
	Type        UpdateType `json:"type"`
	UploadID    string     `json:"uploadId"`
	Seq         int        `json:"seq"`
	BytesBase64 string     `json:"bytesBase64"`
}

func (u *UploadChunk) Kind() UpdateType { return TypeUploadChunk }

// UploadEnd finalizes an upload.
type UploadEnd struct {
	Type     UpdateType `json:"type"`
	UploadID string     `json:"uploadId"`
}

func (u *UploadEnd) Kind() UpdateType { return TypeUploadEnd }

// Ping is a client-initiated liveness probe; the server replies with Pong.
type Ping struct {
	Type      UpdateType `json:"type"`
	Timestamp int64      `json:"timestamp,omitempty"`
}

func (u *Ping) Kind() UpdateType { return TypePing }

// InitialState is the reply to GetInitialState.
type InitialState struct {
	Type          UpdateType      `json:"type"`
	ComponentName string          `json:"componentName"`
	State         json.RawMessage `json:"state"`
	ID            string          `json:"$ID"`
	Fingerprint   string          `json:"fingerprint"`
}

func (u *InitialState) Kind() UpdateType { return TypeInitialState }

// PatchOp is one JSON-Pointer add/replace/remove operation.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// StateUpdate carries a version transition for a subscribed instance.
type StateUpdate struct {
	Type        UpdateType      `json:"type"`
	ID          string          `json:"id"`
	FromVersion uint64          `json:"fromVersion"`
	ToVersion   uint64          `json:"toVersion"`
	Patch       []PatchOp       `json:"patch,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	Full        bool            `json:"full"`
}

func (u *StateUpdate) Kind() UpdateType { return TypeStateUpdate }

// EventScope identifies the fan-out scope of an emitted event.
type EventScope string

const (
	ScopeSelf      EventScope = "self"
	ScopeBroadcast EventScope = "broadcast"
	ScopeRoom      EventScope = "room"
)

// EventFrame carries an emitted event to a subscriber.
type EventFrame struct {
	Type           UpdateType      `json:"type"`
	Scope          EventScope      `json:"scope"`
	Name           string          `json:"name"`
	Data           json.RawMessage `json:"data,omitempty"`
	FromInstanceID string          `json:"fromInstanceId"`
	RequestID      string          `json:"requestId,omitempty"`
}

func (u *EventFrame) Kind() UpdateType { return TypeEvent }

// FunctionResult correlates a successful callMethod return value.
type FunctionResult struct {
	Type      UpdateType      `json:"type"`
	RequestID string          `json:"requestId"`
	ID        string          `json:"id"`
	Value     json.RawMessage `json:"value,omitempty"`
}

func (u *FunctionResult) Kind() UpdateType { return TypeFunctionResult }

// FunctionError correlates a failed callMethod invocation.
type FunctionError struct {
	Type      UpdateType `json:"type"`
	RequestID string     `json:"requestId"`
	ID        string     `json:"id"`
	Code      ErrorCode  `json:"code"`
	Message   string     `json:"message"`
}

func (u *FunctionError) Kind() UpdateType { return TypeFunctionError }

// UploadProgress reports bytes received so far for an in-flight upload.
type UploadProgress struct {
	Type     UpdateType `json:"type"`
	UploadID string     `json:"uploadId"`
	Received int64      `json:"received"`
	Total    int64      `json:"total"`
}

func (u *UploadProgress) Kind() UpdateType { return TypeUploadProgress }

// Pong answers a Ping.
type Pong struct {
	Type      UpdateType `json:"type"`
	Timestamp int64      `json:"timestamp"`
}

func (u *Pong) Kind() UpdateType { return TypePong }

// ErrorFrame reports a protocol, auth, rate, handler, or lifecycle error.
type ErrorFrame struct {
	Type      UpdateType `json:"type"`
	Code      ErrorCode  `json:"code"`
	Message   string     `json:"message"`
	RequestID string     `json:"requestId,omitempty"`
}

func (u *ErrorFrame) Kind() UpdateType { return TypeError }
