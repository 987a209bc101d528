package toolprotocol

import (
	"context"
	"time"

	"shellbroker/internal/errs"
	"shellbroker/internal/orchestrator"
	"shellbroker/internal/outputfilter"
	"shellbroker/internal/registry"
)

// Handlers serves the agent-facing tool calls against one orchestrator.
type Handlers struct {
	orc *orchestrator.Orchestrator
}

// New wraps orc with the tool-call request/response shapes.
func New(orc *orchestrator.Orchestrator) *Handlers {
	return &Handlers{orc: orc}
}

func parseMode(s string) outputfilter.Mode {
	switch outputfilter.Mode(s) {
	case outputfilter.ModeRaw, outputfilter.ModeFull, outputfilter.ModePreview,
		outputfilter.ModeSummary, outputfilter.ModeMinimal, outputfilter.ModeAuto:
		return outputfilter.Mode(s)
	default:
		return outputfilter.ModeAuto
	}
}

func bufferInfo(p *outputfilter.Payload) *BufferInfo {
	if p == nil {
		return nil
	}
	return &BufferInfo{LineCount: p.LineCount, ByteCount: p.ByteCount, Truncated: p.TruncatedBuffer}
}

// ExecuteCommand serves execute_command.
func (h *Handlers) ExecuteCommand(ctx context.Context, req ExecuteCommandRequest) (*ExecuteCommandResponse, *ErrorResponse) {
	var timeout time.Duration
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	res, err := h.orc.Execute(ctx, orchestrator.ExecuteRequest{
		Command:        req.Command,
		Timeout:        timeout,
		Mode:           parseMode(req.OutputMode),
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return nil, mapError(err)
	}
	resp := &ExecuteCommandResponse{CommandID: res.ID, Status: string(res.Status)}
	if res.Payload != nil {
		resp.Output = res.Payload.Text
		resp.BufferInfo = bufferInfo(res.Payload)
	}
	return resp, nil
}

// CheckCommandStatus serves check_command_status.
func (h *Handlers) CheckCommandStatus(req CheckCommandStatusRequest) (*CheckCommandStatusResponse, *ErrorResponse) {
	res, err := h.orc.Status(req.CommandID, parseMode(req.OutputMode))
	if err != nil {
		return nil, mapError(err)
	}
	resp := &CheckCommandStatusResponse{Status: string(res.Status)}
	if res.Payload != nil {
		resp.Output = res.Payload.Text
		resp.BufferInfo = bufferInfo(res.Payload)
	}
	return resp, nil
}

// GetCommandOutput serves get_command_output.
func (h *Handlers) GetCommandOutput(req GetCommandOutputRequest) (*GetCommandOutputResponse, *ErrorResponse) {
	if req.Raw {
		buf, err := h.orc.FetchRaw(req.CommandID)
		if err != nil {
			return nil, mapError(err)
		}
		return &GetCommandOutputResponse{Output: string(buf)}, nil
	}
	res, err := h.orc.Status(req.CommandID, outputfilter.ModeFull)
	if err != nil {
		return nil, mapError(err)
	}
	if res.Payload == nil {
		return &GetCommandOutputResponse{}, nil
	}
	return &GetCommandOutputResponse{Output: res.Payload.Text}, nil
}

// CancelCommand serves cancel_command.
func (h *Handlers) CancelCommand(req CancelCommandRequest) (*CancelCommandResponse, *ErrorResponse) {
	res, err := h.orc.Cancel(req.CommandID)
	if err != nil {
		return nil, mapError(err)
	}
	if res.OK {
		return &CancelCommandResponse{Result: "ok"}, nil
	}
	return &CancelCommandResponse{Result: "not_running"}, nil
}

// ListCommands serves list_commands.
func (h *Handlers) ListCommands(req ListCommandsRequest) []CommandSummary {
	filter := registry.ListFilter{Any: true}
	if req.StatusFilter != "" {
		filter = registry.ListFilter{Status: registry.Status(req.StatusFilter)}
	}
	snaps := h.orc.List(filter)
	out := make([]CommandSummary, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, CommandSummary{
			CommandID: s.ID,
			Status:    string(s.Status),
			Timestamp: s.EnqueuedAt.Format(time.RFC3339),
		})
	}
	return out
}

// GetTerminalStatus serves get_terminal_status.
func (h *Handlers) GetTerminalStatus() GetTerminalStatusResponse {
	res := h.orc.TerminalStatus()
	return GetTerminalStatusResponse{Connected: res.Connected, Host: res.Host, User: res.User}
}

// mapError converts a core error into the agent-facing shape. Programming
// faults (invalid_state_transition) are never surfaced verbatim -- they
// collapse to the generic server_error kind, matching the no-stack-traces
// contract.
func mapError(err error) *ErrorResponse {
	var kind string
	if e, ok := err.(*errs.Error); ok {
		if e.Kind == errs.KindInvalidStateTransition {
			kind = string(errs.KindServerError)
		} else {
			kind = string(e.Kind)
		}
	} else {
		kind = string(errs.KindServerError)
	}
	return &ErrorResponse{Kind: kind, Message: err.Error()}
}
