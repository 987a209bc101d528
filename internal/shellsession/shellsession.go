// Package shellsession owns the single SSH-reached interactive remote
// shell a broker instance mediates. Exactly one command may be in flight
// at a time; viewer keystrokes are injected directly and never attributed
// to a command. The package is built against a small RemoteShell interface
// so it can be exercised in tests without a real SSH server.
package shellsession

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"shellbroker/internal/errs"
)

// RemoteShell abstracts a single interactive remote shell connection. The
// production implementation is backed by golang.org/x/crypto/ssh
// (ssh.Client.NewSession, RequestPty, Shell); tests drive a fake.
type RemoteShell interface {
	// Start allocates a PTY and starts the remote interactive shell.
	Start() error
	// Write sends bytes to the remote shell's stdin (command text,
	// keystrokes, control bytes).
	Write(p []byte) (int, error)
	// Output returns the channel of raw bytes read from the remote
	// shell's combined stdout/stderr stream. Closed when the remote
	// shell exits.
	Output() <-chan []byte
	// Resize notifies the remote PTY of a new terminal size.
	Resize(rows, cols int) error
	// Close tears down the underlying connection/session.
	Close() error
}

// SessionType classifies the source of a byte write so that viewer
// keystrokes can bypass command attribution and prompt-boundary
// bookkeeping entirely.
type SessionType string

const (
	TypeCommand SessionType = "command"
	TypeViewer  SessionType = "viewer"
	TypeControl SessionType = "control"
)

// Session wraps a RemoteShell with the single-in-flight-command slot and
// the exit-code marker protocol. The learned prompt signature is not kept
// here: the orchestrator feeds it to its own promptdetect.Detector.
type Session struct {
	shell RemoteShell

	mu           sync.Mutex
	currentID    string
	currentCmd   string
	inFlight     bool
	markerSalt   string
	closed       bool
	promptSample []byte
}

// Open starts the remote shell and generates this session's per-session
// exit-code marker salt. It does not itself learn the prompt signature --
// that is the orchestrator's job, driven by an initial quiescence window
// after Open returns.
func Open(shell RemoteShell) (*Session, error) {
	if err := shell.Start(); err != nil {
		return nil, errs.Wrap(errs.KindTransportError, "failed to start remote shell", err)
	}
	salt, err := newSalt()
	if err != nil {
		shell.Close()
		return nil, errs.Wrap(errs.KindTransportError, "failed to generate marker salt", err)
	}
	return &Session{shell: shell, markerSalt: salt}, nil
}

func newSalt() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MarkerSalt returns this session's per-session exit-code marker salt.
func (s *Session) MarkerSalt() string {
	return s.markerSalt
}

// RawOutput exposes the remote shell's raw byte stream. The fan-out bus is
// the sole consumer: it appends to the registry, feeds the prompt
// detector, then broadcasts, all on one goroutine.
func (s *Session) RawOutput() <-chan []byte {
	return s.shell.Output()
}

// Execute writes a command to the remote shell's stdin, suffixed with the
// exit-code capture marker, and claims the in-flight slot. It fails with
// KindBusy if a command is already running (spec I1: at most one command
// running per session).
func (s *Session) Execute(id, commandText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.KindNotConnected, "session is closed")
	}
	if s.inFlight {
		return errs.New(errs.KindBusy, "a command is already running on this session")
	}
	line := commandText + fmt.Sprintf("; echo __RTX_%s__:$?__END_%s__\n", s.markerSalt, s.markerSalt)
	if _, err := s.shell.Write([]byte(line)); err != nil {
		return errs.Wrap(errs.KindTransportError, "failed to write command to remote shell", err)
	}
	s.inFlight = true
	s.currentID = id
	s.currentCmd = commandText
	return nil
}

// CurrentCommand returns the id of the command currently occupying the
// in-flight slot, if any.
func (s *Session) CurrentCommand() (id string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID, s.inFlight
}

// ClearInFlight releases the in-flight slot once a command reaches a
// terminal state. Called by the orchestrator, never inferred by the
// session itself.
func (s *Session) ClearInFlight() {
	s.mu.Lock()
	s.currentID = ""
	s.currentCmd = ""
	s.inFlight = false
	s.mu.Unlock()
}

// SendInterrupt writes Ctrl-C (0x03) to the remote shell to cancel the
// foreground process of the in-flight command.
func (s *Session) SendInterrupt() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errs.New(errs.KindNotConnected, "session is closed")
	}
	_, err := s.shell.Write([]byte{0x03})
	if err != nil {
		return errs.Wrap(errs.KindTransportError, "failed to write interrupt", err)
	}
	return nil
}

// Type injects raw bytes from a viewer directly into the remote shell's
// stdin. This never touches the in-flight slot and is invisible to command
// attribution: a viewer typing alongside a running command does not
// reassign, split, or interleave with that command's output record.
func (s *Session) Type(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.KindNotConnected, "session is closed")
	}
	if _, err := s.shell.Write(data); err != nil {
		return errs.Wrap(errs.KindTransportError, "failed to write viewer input", err)
	}
	return nil
}

// Resize notifies the remote PTY of a new terminal size.
func (s *Session) Resize(rows, cols int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.KindNotConnected, "session is closed")
	}
	if err := s.shell.Resize(rows, cols); err != nil {
		return errs.Wrap(errs.KindTransportError, "failed to resize remote pty", err)
	}
	return nil
}

// Close tears down the remote shell. Any in-flight command is left for the
// orchestrator to transition to interrupted on session teardown.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.shell.Close()
}

// Closed reports whether Close has already been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// learnSignature derives a boundary signature from a quiescent sample of
// shell output: the whole last non-empty line, trailing whitespace
// included, which is almost always the idle prompt (e.g. "$ ", "# ",
// "user@host:~$ "). It is exposed as a free function so the
// orchestrator can call it against the first quiescence window without
// needing a Session receiver.
func learnSignature(sample []byte) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(sample))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	var lastLine string
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lastLine = line
		}
	}
	return []byte(lastLine)
}

// LearnSignature is the exported entry point used by the orchestrator at
// session start to derive the prompt-boundary signature fed into
// promptdetect.Detector.Learn.
func LearnSignature(sample []byte) []byte {
	return learnSignature(sample)
}
