package toolprotocol

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"shellbroker/internal/orchestrator"
	"shellbroker/internal/outputfilter"
	"shellbroker/internal/registry"
	"shellbroker/internal/shellsession"
)

var markerRe = regexp.MustCompile(`__RTX_([0-9a-f]+)__:\$\?__END_[0-9a-f]+__`)

// fakeShell is a deterministic in-memory shellsession.RemoteShell, scripted
// to resolve any command containing a known substring with canned output
// and the exit-code marker resolved to 0.
type fakeShell struct {
	mu      sync.Mutex
	output  chan []byte
	prompt  string
	scripts map[string][]byte
}

func newFakeShell() *fakeShell {
	return &fakeShell{output: make(chan []byte, 256), prompt: "user@host:~$ ", scripts: make(map[string][]byte)}
}

func (f *fakeShell) Start() error {
	f.output <- []byte("Welcome\n" + f.prompt)
	return nil
}

func (f *fakeShell) Write(p []byte) (int, error) {
	line := string(p)
	f.mu.Lock()
	scripts := make(map[string][]byte, len(f.scripts))
	for k, v := range f.scripts {
		scripts[k] = v
	}
	f.mu.Unlock()

	go func() {
		for substr, out := range scripts {
			if strings.Contains(line, substr) {
				f.output <- out
			}
		}
		if m := markerRe.FindStringSubmatch(line); m != nil {
			f.output <- []byte(fmt.Sprintf("__RTX_%s__:0__END_%s__\n", m[1], m[1]))
			f.output <- []byte(f.prompt)
		}
	}()
	return len(p), nil
}

func (f *fakeShell) Output() <-chan []byte { return f.output }

func (f *fakeShell) Resize(rows, cols int) error { return nil }

func (f *fakeShell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.output)
	return nil
}

func (f *fakeShell) setScript(commandSubstr string, out []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[commandSubstr] = out
}

func newTestHandlers(t *testing.T, shell *fakeShell) (*Handlers, context.Context, context.CancelFunc) {
	t.Helper()
	sess, err := shellsession.Open(shell)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	orc := orchestrator.New(sess, "example.test", "deploy", orchestrator.Config{
		DefaultTimeout: 2 * time.Second,
		MaxTimeout:     2 * time.Second,
		PromptGrace:    30 * time.Millisecond,
		ForcedGrace:    100 * time.Millisecond,
		Policy:         outputfilter.DefaultPolicy(),
	}, registry.New(50, 0))

	ctx, cancel := context.WithCancel(context.Background())
	go orc.Run(ctx)
	time.Sleep(150 * time.Millisecond)
	return New(orc), ctx, cancel
}

func TestExecuteCommandReturnsCompletedPayload(t *testing.T) {
	shell := newFakeShell()
	shell.setScript("echo hi", []byte("hi\n"))
	h, ctx, cancel := newTestHandlers(t, shell)
	defer cancel()

	resp, errResp := h.ExecuteCommand(ctx, ExecuteCommandRequest{Command: "echo hi", OutputMode: "full"})
	if errResp != nil {
		t.Fatalf("unexpected error: %+v", errResp)
	}
	if resp.Status != "completed" {
		t.Fatalf("expected completed, got %s", resp.Status)
	}
	if !strings.Contains(resp.Output, "hi") {
		t.Fatalf("expected output to contain command result, got %q", resp.Output)
	}
	if resp.BufferInfo == nil {
		t.Fatal("expected buffer info to be populated")
	}
}

func TestCheckCommandStatusUnknownIDMapsToErrorResponse(t *testing.T) {
	shell := newFakeShell()
	h, _, cancel := newTestHandlers(t, shell)
	defer cancel()

	resp, errResp := h.CheckCommandStatus(CheckCommandStatusRequest{CommandID: "does-not-exist"})
	if resp != nil {
		t.Fatalf("expected nil response on error, got %+v", resp)
	}
	if errResp == nil || errResp.Kind != "unknown_command_id" {
		t.Fatalf("expected unknown_command_id error, got %+v", errResp)
	}
	if errResp.Message == "" {
		t.Fatal("expected a non-empty message")
	}
}

func TestCancelCommandOnTerminalReportsNotRunning(t *testing.T) {
	shell := newFakeShell()
	shell.setScript("echo hi", []byte("hi\n"))
	h, ctx, cancel := newTestHandlers(t, shell)
	defer cancel()

	resp, errResp := h.ExecuteCommand(ctx, ExecuteCommandRequest{Command: "echo hi"})
	if errResp != nil {
		t.Fatalf("unexpected error: %+v", errResp)
	}

	cancelResp, errResp := h.CancelCommand(CancelCommandRequest{CommandID: resp.CommandID})
	if errResp != nil {
		t.Fatalf("unexpected error: %+v", errResp)
	}
	if cancelResp.Result != "not_running" {
		t.Fatalf("expected not_running, got %s", cancelResp.Result)
	}
}

func TestListCommandsReturnsSummaries(t *testing.T) {
	shell := newFakeShell()
	shell.setScript("echo hi", []byte("hi\n"))
	h, ctx, cancel := newTestHandlers(t, shell)
	defer cancel()

	if _, errResp := h.ExecuteCommand(ctx, ExecuteCommandRequest{Command: "echo hi"}); errResp != nil {
		t.Fatalf("unexpected error: %+v", errResp)
	}

	summaries := h.ListCommands(ListCommandsRequest{})
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	if summaries[0].Status != "completed" {
		t.Fatalf("expected completed, got %s", summaries[0].Status)
	}
}

func TestGetTerminalStatusReportsConnection(t *testing.T) {
	shell := newFakeShell()
	h, _, cancel := newTestHandlers(t, shell)
	defer cancel()

	st := h.GetTerminalStatus()
	if !st.Connected || st.Host != "example.test" || st.User != "deploy" {
		t.Fatalf("unexpected terminal status: %+v", st)
	}
}

func TestGetCommandOutputRaw(t *testing.T) {
	shell := newFakeShell()
	shell.setScript("echo hi", []byte("hi\n"))
	h, ctx, cancel := newTestHandlers(t, shell)
	defer cancel()

	resp, errResp := h.ExecuteCommand(ctx, ExecuteCommandRequest{Command: "echo hi"})
	if errResp != nil {
		t.Fatalf("unexpected error: %+v", errResp)
	}

	raw, errResp := h.GetCommandOutput(GetCommandOutputRequest{CommandID: resp.CommandID, Raw: true})
	if errResp != nil {
		t.Fatalf("unexpected error: %+v", errResp)
	}
	if !strings.Contains(raw.Output, "hi") {
		t.Fatalf("expected raw output to contain hi, got %q", raw.Output)
	}
}
