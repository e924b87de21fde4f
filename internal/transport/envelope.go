// Package transport implements the wire protocol from spec §6: one
// long-lived full-duplex channel per session carrying UTF-8 JSON
// envelopes of shape {type, payload}, over a WebSocket connection.
package transport

import (
	"encoding/json"
	"fmt"
)

// ErrorCode names a rejection reason logged for malformed or unsupported
// inbound frames.
type ErrorCode string

const (
	CodeInvalidJSON         ErrorCode = "invalid_json"
	CodeInvalidEnvelope     ErrorCode = "invalid_envelope"
	CodeMissingType         ErrorCode = "missing_type"
	CodeMissingPayload      ErrorCode = "missing_payload"
	CodeUnsupportedEnvelope ErrorCode = "unsupported_envelope"
)

// Outbound envelope type tags.
const (
	TypeSession            = "session"
	TypeAssistantMessage   = "assistant_message"
	TypeMarkdownChunk      = "markdown_chunk"
	TypeMount              = "mount"
	TypeDataPatch          = "data_patch"
	TypeStreamedDataReset  = "streamed_data_reset"
	TypeStreamedDataChunk  = "streamed_data_chunk"
	TypeTrace              = "trace"
	TypeLogLine            = "log_line"
)

// Inbound envelope type tags.
const (
	TypeUserMessage    = "user_message"
	TypeUISubmit       = "ui_submit"
	TypeCallbackInvoke = "callback_invoke"
	TypeClientLog      = "client_log"
)

// Envelope is the wire shape every frame takes in both directions.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Encode marshals an outbound envelope to its wire bytes.
func Encode(envType string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Type: envType, Payload: payload})
}

// RejectError is returned by Decode for a malformed or unsupported
// inbound frame, carrying the error code spec §6 requires in the warn
// log.
type RejectError struct {
	Code ErrorCode
	Err  error
}

func (r *RejectError) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Code, r.Err)
	}
	return string(r.Code)
}

// rawEnvelope mirrors Envelope but keeps payload undecoded so we can
// validate type/payload presence before committing to a concrete
// inbound struct.
type rawEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses raw bytes into one of the inbound message types below,
// or a *RejectError describing why the frame was dropped.
func Decode(raw []byte) (any, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &RejectError{Code: CodeInvalidJSON, Err: err}
	}
	if env.Type == "" {
		return nil, &RejectError{Code: CodeMissingType}
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, &RejectError{Code: CodeMissingPayload}
	}

	switch env.Type {
	case TypeUserMessage:
		var m UserMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, &RejectError{Code: CodeInvalidEnvelope, Err: err}
		}
		return m, nil
	case TypeUISubmit:
		var m UISubmit
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, &RejectError{Code: CodeInvalidEnvelope, Err: err}
		}
		if m.MountID == "" {
			return nil, &RejectError{Code: CodeInvalidEnvelope, Err: fmt.Errorf("ui_submit missing mountId")}
		}
		return m, nil
	case TypeCallbackInvoke:
		var m CallbackInvoke
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, &RejectError{Code: CodeInvalidEnvelope, Err: err}
		}
		if m.MountID == "" || m.Name == "" {
			return nil, &RejectError{Code: CodeInvalidEnvelope, Err: fmt.Errorf("callback_invoke missing mountId or name")}
		}
		return m, nil
	case TypeClientLog:
		var m ClientLog
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, &RejectError{Code: CodeInvalidEnvelope, Err: err}
		}
		return m, nil
	default:
		return nil, &RejectError{Code: CodeUnsupportedEnvelope, Err: fmt.Errorf("unknown type %q", env.Type)}
	}
}

// --- inbound payload shapes -------------------------------------------------

type UserMessage struct {
	Text          string `json:"text"`
	InteractionID string `json:"interactionId,omitempty"`
}

type UISubmit struct {
	MountID string `json:"mountId"`
	Value   any    `json:"value"`
}

type CallbackInvoke struct {
	MountID string `json:"mountId"`
	Name    string `json:"name"`
	Args    []any  `json:"args"`
}

type ClientLog struct {
	Level string `json:"lvl"`
	Msg   string `json:"msg,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// --- outbound payload shapes -------------------------------------------------

type SessionPayload struct {
	ID             string   `json:"id"`
	CreatedAt      string   `json:"createdAt"`
	SchemaVersion  string   `json:"schemaVersion,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
}

type AssistantMessagePayload struct {
	InteractionID string   `json:"interactionId"`
	MessageID     string   `json:"messageId"`
	Markdown      string   `json:"markdown"`
	Blocks        []string `json:"blocks"`
}

type MarkdownChunkPayload struct {
	InteractionID string `json:"interactionId"`
	MessageID     string `json:"messageId"`
	Text          string `json:"text"`
}

type MountPayload struct {
	MountID        string         `json:"mountId"`
	UISource       string         `json:"uiSource"`
	InitialData    any            `json:"initialData,omitempty"`
	StreamedDataID string         `json:"streamedDataId,omitempty"`
	OutputSchema   map[string]any `json:"outputSchema"`
	CallbackNames  []string       `json:"callbackNames,omitempty"`
}

// PatchTuple is the wire shape of a single reactive patch:
// [op, path, value, prev].
type PatchTuple [4]any

type DataPatchPayload struct {
	MountID string       `json:"mountId"`
	Patches []PatchTuple `json:"patches"`
}

type StreamedDataResetPayload struct {
	StreamedDataID string `json:"streamedDataId"`
}

type StreamedDataChunkPayload struct {
	StreamedDataID string `json:"streamedDataId"`
	Chunk          string `json:"chunk"`
}

type TracePayload struct {
	InteractionID string `json:"interactionId"`
	MessageID     string `json:"messageId"`
	Text          string `json:"text"`
	Category      string `json:"category"`
}

type LogLinePayload struct {
	T          string `json:"t,omitempty"`
	Level      string `json:"lvl"`
	Msg        string `json:"msg,omitempty"`
	Data       any    `json:"data,omitempty"`
	Code       string `json:"code,omitempty"`
	RunID      string `json:"runId,omitempty"`
	BlockIndex *int   `json:"blockIndex,omitempty"`
	Src        string `json:"src,omitempty"`
}
