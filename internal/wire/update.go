package wire

import "encoding/json"

// UpdateView is the partial view of an ACP SessionUpdate this relay reads.
// Everything else in the update is carried opaquely.
type UpdateView struct {
	// SessionUpdate is the tagged-union discriminator.
	SessionUpdate string `json:"sessionUpdate"`
	// ToolCallID groups tool_call / tool_call_update rows.
	ToolCallID string `json:"toolCallId,omitempty"`
	// TerminalID groups terminal_output rows.
	TerminalID string `json:"terminalId,omitempty"`
}

// ParseUpdateView extracts the consolidation-relevant fields from an update
// payload. Returns the zero view for payloads that are not plain JSON objects
// (encrypted envelopes, stubs).
func ParseUpdateView(raw json.RawMessage) UpdateView {
	var v UpdateView
	if err := json.Unmarshal(raw, &v); err != nil {
		return UpdateView{}
	}
	return v
}

// UpdateKind returns the kind string recorded in the WAL for an update
// payload. For plaintext payloads this is the sessionUpdate tag; callers
// encrypting payloads must capture the kind before encryption.
func UpdateKind(raw json.RawMessage) string {
	return ParseUpdateView(raw).SessionUpdate
}
