// Package toolprotocol defines the agent-facing tool call request/response
// shapes and wraps an *orchestrator.Orchestrator to serve them, mapping its
// structured errors to the {kind, message} shape agents receive -- never a
// stack trace.
package toolprotocol

// BufferInfo mirrors a payload's size/truncation metadata, surfaced
// alongside output so an agent can decide whether to request more.
type BufferInfo struct {
	LineCount int  `json:"line_count"`
	ByteCount int  `json:"byte_count"`
	Truncated bool `json:"truncated"`
}

// ExecuteCommandRequest is execute_command's argument set.
type ExecuteCommandRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout,omitempty"`
	OutputMode     string `json:"output_mode,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ExecuteCommandResponse is execute_command's return shape.
type ExecuteCommandResponse struct {
	CommandID  string      `json:"command_id"`
	Status     string      `json:"status"`
	Output     string      `json:"output,omitempty"`
	BufferInfo *BufferInfo `json:"buffer_info,omitempty"`
}

// CheckCommandStatusRequest is check_command_status's argument set.
type CheckCommandStatusRequest struct {
	CommandID  string `json:"command_id"`
	OutputMode string `json:"output_mode,omitempty"`
}

// CheckCommandStatusResponse is check_command_status's return shape.
type CheckCommandStatusResponse struct {
	Status      string      `json:"status"`
	Output      string      `json:"output,omitempty"`
	CompletedAt string      `json:"completed_at,omitempty"`
	BufferInfo  *BufferInfo `json:"buffer_info,omitempty"`
}

// GetCommandOutputRequest is get_command_output's argument set.
type GetCommandOutputRequest struct {
	CommandID string `json:"command_id"`
	Raw       bool   `json:"raw,omitempty"`
}

// GetCommandOutputResponse is get_command_output's return shape.
type GetCommandOutputResponse struct {
	Output string `json:"output"`
}

// CancelCommandRequest is cancel_command's argument set.
type CancelCommandRequest struct {
	CommandID string `json:"command_id"`
}

// CancelCommandResponse is cancel_command's return shape: Result is either
// "ok" or "not_running".
type CancelCommandResponse struct {
	Result string `json:"result"`
}

// ListCommandsRequest is list_commands's argument set.
type ListCommandsRequest struct {
	StatusFilter string `json:"status_filter,omitempty"`
}

// CommandSummary is one entry of list_commands's response array.
type CommandSummary struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// GetTerminalStatusResponse is get_terminal_status's return shape.
type GetTerminalStatusResponse struct {
	Connected bool   `json:"connected"`
	Host      string `json:"host,omitempty"`
	User      string `json:"user,omitempty"`
}

// ErrorResponse is the structured error object returned to an agent in
// place of a successful result -- kind and message only, never a stack
// trace.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
