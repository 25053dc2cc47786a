package protocol

import "encoding/json"

// Envelope is the single top-level JSON object carried by each WebSocket
// message: { "updates": [ Update, ... ] }.
type Envelope struct {
	Updates []Update `json:"updates"`
}

// envelopeHeader reads only the "type" discriminator of one update so the
// matching concrete struct can be unmarshalled in a second pass.
type envelopeHeader struct {
	Type UpdateType `json:"type"`
}

// EncodeEnvelope marshals a batch of outbound updates into one frame.
func EncodeEnvelope(updates []Update) ([]byte, error) {
	return json.Marshal(struct {
		Updates []Update `json:"updates"`
	}{Updates: updates})
}

// EncodeOne is a convenience wrapper for sending a single update.
func EncodeOne(update Update) ([]byte, error) {
	return EncodeEnvelope([]Update{update})
}

// DecodeEnvelope decodes one inbound WebSocket message into its Updates.
//
// Any structural problem — invalid JSON, a missing/non-array "updates"
// field, or an unrecognized tag — is reported as an *Error with code
// BAD_FRAME, matching the taxonomy in spec §4.1.
func DecodeEnvelope(data []byte) ([]Update, error) {
	var raw struct {
		Updates []json.RawMessage `json:"updates"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Code: ErrBadFrame, Message: "invalid JSON: " + err.Error()}
	}
	if raw.Updates == nil {
		return nil, &Error{Code: ErrBadFrame, Message: "missing updates array"}
	}

	updates := make([]Update, 0, len(raw.Updates))
	for _, msg := range raw.Updates {
		var head envelopeHeader
		if err := json.Unmarshal(msg, &head); err != nil {
			return nil, &Error{Code: ErrBadFrame, Message: "invalid update: " + err.Error()}
		}

		u, err := decodeOne(head.Type, msg)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func decodeOne(t UpdateType, msg json.RawMessage) (Update, error) {
	switch t {
	case TypeGetInitialState:
		var v GetInitialState
		return decodeInto(&v, msg)
	case TypeCallMethod:
		var v CallMethod
		return decodeInto(&v, msg)
	case TypeSubscribe:
		var v Subscribe
		return decodeInto(&v, msg)
	case TypeUnsubscribe:
		var v Unsubscribe
		return decodeInto(&v, msg)
	case TypeUploadBegin:
		var v UploadBegin
		return decodeInto(&v, msg)
	case TypeUploadChunk:
		var v UploadChunk
		return decodeInto(&v, msg)
	case TypeUploadEnd:
		var v UploadEnd
		return decodeInto(&v, msg)
	case TypePing:
		var v Ping
		return decodeInto(&v, msg)
	default:
		return nil, &Error{Code: ErrBadFrame, Message: "unknown update type: " + string(t)}
	}
}

func decodeInto[T Update](v T, msg json.RawMessage) (Update, error) {
	if err := json.Unmarshal(msg, v); err != nil {
		return nil, &Error{Code: ErrBadFrame, Message: "invalid update payload: " + err.Error()}
	}
	return v, nil
}
