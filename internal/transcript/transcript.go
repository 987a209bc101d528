// Package transcript is an append-only JSONL archive of command records as
// they leave the registry's retention window. The file is not size-limited:
// every archived record adds one line. It carries only command metadata --
// ids, command text, timestamps, status, exit code, error flag, byte/line
// counts -- never output bytes, the host inventory, or credentials that
// would make it a secrets store.
package transcript

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"shellbroker/internal/registry"
)

// Entry is one archived command record.
type Entry struct {
	CommandID      string    `json:"command_id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CommandText    string    `json:"command_text"`
	Status         string    `json:"status"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	HasErrors      bool      `json:"has_errors"`
	LineCount      int       `json:"line_count"`
	ByteCount      int       `json:"byte_count"`
}

func entryFromSnapshot(s registry.Snapshot) Entry {
	return Entry{
		CommandID:      s.ID,
		SessionID:      s.SessionID,
		ConversationID: s.ConversationID,
		CommandText:    s.CommandText,
		Status:         string(s.Status),
		EnqueuedAt:     s.EnqueuedAt,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
		ExitCode:       s.ExitCode,
		HasErrors:      s.HasErrors,
		LineCount:      s.LineCount,
		ByteCount:      s.ByteCount,
	}
}

// Archiver appends Entry records to a JSONL file, one line per record,
// serializing writes the same way internal/util.SafePrinter serializes
// terminal output -- a single mutex around the one shared writer.
type Archiver struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open creates (or appends to) the JSONL file at path, creating parent
// directories as needed.
func Open(path string) (*Archiver, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Archiver{path: path, file: f}, nil
}

// Archive appends one snapshot as a JSONL record. Intended as the
// registry's OnEvicted callback (see registry.SetOnEvicted): a command
// is recorded once, the instant it would otherwise become unreachable
// by id.
func (a *Archiver) Archive(snap registry.Snapshot) error {
	entry := entryFromSnapshot(snap)
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	_, err = a.file.Write(line)
	return err
}

// Close flushes and closes the underlying file.
func (a *Archiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// Load reads every archived entry back, oldest first. Intended for an
// operator reviewing a session after the fact, not for the hot path.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}
