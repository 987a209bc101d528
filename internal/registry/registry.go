// Package registry tracks every dispatched command from pending through a
// terminal state, buffers its output, and exposes it for later retrieval
// Exactly one task -- the fan-out bus's broadcast loop -- may
// append to a record's buffer; the registry itself only enforces the state
// machine and retention policy.
package registry

import (
	"log"
	"sync"
	"time"

	"shellbroker/internal/errs"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusTimeout     Status = "timeout"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether the status is one of the four terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTimeout, StatusInterrupted:
		return true
	default:
		return false
	}
}

// validEdges enumerates the state machine's legal transitions.
var validEdges = map[Status]map[Status]bool{
	StatusPending: {StatusRunning: true},
	StatusRunning: {
		StatusCompleted:   true,
		StatusCancelled:   true,
		StatusTimeout:     true,
		StatusInterrupted: true,
	},
}

// Snapshot is an immutable copy of a command record returned by Get/List.
// Callers must never mutate it; the registry never hands out internal
// pointers.
type Snapshot struct {
	ID             string
	CommandText    string
	ConversationID string
	SessionID      string
	Status         Status
	EnqueuedAt     time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	ExitCode       *int
	HasErrors      bool
	ErrorContext   string
	LineCount      int
	ByteCount      int
	Truncated      bool
	BoundaryForced bool
	Buffer         []byte
	MarkerSalt     string
}

type record struct {
	mu             sync.Mutex
	id             string
	commandText    string
	conversationID string
	sessionID      string
	status         Status
	enqueuedAt     time.Time
	startedAt      time.Time
	completedAt    time.Time
	exitCode       *int
	hasErrors      bool
	errorContext   string
	lineCount      int
	boundaryForced bool
	markerSalt     string
	buf            *ringBuffer
	intended       Status
	hasIntended    bool
	done           chan struct{}
}

func (r *record) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var exitCode *int
	if r.exitCode != nil {
		v := *r.exitCode
		exitCode = &v
	}
	return Snapshot{
		ID:             r.id,
		CommandText:    r.commandText,
		ConversationID: r.conversationID,
		SessionID:      r.sessionID,
		Status:         r.status,
		EnqueuedAt:     r.enqueuedAt,
		StartedAt:      r.startedAt,
		CompletedAt:    r.completedAt,
		ExitCode:       exitCode,
		HasErrors:      r.hasErrors,
		ErrorContext:   r.errorContext,
		LineCount:      r.lineCount,
		ByteCount:      r.buf.total,
		Truncated:      r.buf.Truncated(),
		BoundaryForced: r.boundaryForced,
		Buffer:         r.buf.Bytes(),
		MarkerSalt:     r.markerSalt,
	}
}

// ListFilter narrows the result of List.
type ListFilter struct {
	Status Status
	Any    bool // when true, Status is ignored and every record matches
	Limit  int
}

// Registry stores command records keyed by opaque id.
type Registry struct {
	mu        sync.RWMutex
	records   map[string]*record
	order     []string // insertion order, oldest first
	retention int
	bufferMax int

	onEvicted func(Snapshot)
}

// SetOnEvicted registers a callback fired once per record dropped by Evict.
// It receives a snapshot taken before the drop, but runs after the record
// has been removed and the registry lock released, so the id is already
// unreachable when the callback executes.
func (g *Registry) SetOnEvicted(fn func(Snapshot)) {
	g.mu.Lock()
	g.onEvicted = fn
	g.mu.Unlock()
}

// New creates a Registry with the given retention cap (max terminal records
// kept, in addition to any still running) and per-command buffer ceiling in
// bytes.
func New(retention, bufferMaxBytes int) *Registry {
	if retention <= 0 {
		retention = 50
	}
	return &Registry{
		records:   make(map[string]*record),
		retention: retention,
		bufferMax: bufferMaxBytes,
	}
}

// Create registers a new command in the pending state and returns its
// opaque id. Ids are never recycled (I4): callers must supply one already
// generated from an unguessable source (see orchestrator, which uses
// github.com/google/uuid).
func (g *Registry) Create(id, commandText, conversationID, sessionID, markerSalt string) Snapshot {
	r := &record{
		id:             id,
		commandText:    commandText,
		conversationID: conversationID,
		sessionID:      sessionID,
		status:         StatusPending,
		enqueuedAt:     time.Now(),
		markerSalt:     markerSalt,
		buf:            newRingBuffer(g.bufferMax),
		done:           make(chan struct{}),
	}
	g.mu.Lock()
	g.records[id] = r
	g.order = append(g.order, id)
	g.mu.Unlock()
	return r.snapshot()
}

// Append adds bytes to a command's buffer. Only legal while the command is
// running (I2): the buffer is append-only up to that point and immutable
// after.
func (g *Registry) Append(id string, chunk []byte) error {
	r, ok := g.find(id)
	if !ok {
		return errs.New(errs.KindUnknownCommandID, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRunning {
		return invalidTransition(r.id, r.status, r.status, "append outside running state")
	}
	r.buf.Append(chunk)
	r.lineCount = countLines(r.buf)
	return nil
}

// SetExitCode records the exit code extracted from the command's marker.
func (g *Registry) SetExitCode(id string, code int) error {
	r, ok := g.find(id)
	if !ok {
		return errs.New(errs.KindUnknownCommandID, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v := code
	r.exitCode = &v
	return nil
}

// SetErrorInfo records the output filter's error-token scan result.
func (g *Registry) SetErrorInfo(id string, hasErrors bool, context string) error {
	r, ok := g.find(id)
	if !ok {
		return errs.New(errs.KindUnknownCommandID, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasErrors = hasErrors
	r.errorContext = context
	return nil
}

// SetIntendedStatus records the terminal status a cancel or timeout wants to
// land on once the next boundary (or forced timeout grace) arrives. It does
// not itself transition the record.
func (g *Registry) SetIntendedStatus(id string, status Status) error {
	r, ok := g.find(id)
	if !ok {
		return errs.New(errs.KindUnknownCommandID, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intended = status
	r.hasIntended = true
	return nil
}

// IntendedStatus returns the status set by SetIntendedStatus, if any.
func (g *Registry) IntendedStatus(id string) (Status, bool) {
	r, ok := g.find(id)
	if !ok {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intended, r.hasIntended
}

// TransitionOption customizes a Transition call.
type TransitionOption func(*record)

// WithForcedBoundary marks the transition as one where the secondary grace
// timer expired without a real prompt boundary.
func WithForcedBoundary() TransitionOption {
	return func(r *record) { r.boundaryForced = true }
}

// Transition moves a command to a new status, enforcing the state machine's
// legal edges. An illegal transition is a programming fault: it is logged
// and returned as KindInvalidStateTransition (never surfaced to the agent
// directly -- see errs.Debug and toolprotocol's mapping to
// KindServerError).
func (g *Registry) Transition(id string, newStatus Status, opts ...TransitionOption) error {
	r, ok := g.find(id)
	if !ok {
		return errs.New(errs.KindUnknownCommandID, id)
	}
	r.mu.Lock()
	cur := r.status
	allowed := validEdges[cur][newStatus]
	if !allowed {
		r.mu.Unlock()
		return invalidTransition(id, cur, newStatus, "edge not permitted by state machine")
	}
	for _, o := range opts {
		o(r)
	}
	r.status = newStatus
	if newStatus == StatusRunning {
		r.startedAt = time.Now()
	}
	var closeDone bool
	if newStatus.Terminal() {
		r.completedAt = time.Now()
		closeDone = true
	}
	r.mu.Unlock()
	if closeDone {
		close(r.done)
	}
	return nil
}

func invalidTransition(id string, from, to Status, reason string) error {
	err := errs.New(errs.KindInvalidStateTransition, string(id)+": "+string(from)+"->"+string(to)+": "+reason)
	if errs.Debug {
		panic(err)
	}
	log.Printf("registry: invalid state transition rejected: %v", err)
	return err
}

// Get returns a snapshot copy of a record, or false if the id is unknown.
func (g *Registry) Get(id string) (Snapshot, bool) {
	r, ok := g.find(id)
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(), true
}

// Done returns a channel that closes once the command reaches a terminal
// state, or nil if the id is unknown. Callers (the orchestrator's
// synchronous wait window) select on it alongside a deadline.
func (g *Registry) Done(id string) (<-chan struct{}, bool) {
	r, ok := g.find(id)
	if !ok {
		return nil, false
	}
	return r.done, true
}

// List returns snapshots ordered most-recent first, applying the filter.
func (g *Registry) List(filter ListFilter) []Snapshot {
	g.mu.RLock()
	ids := make([]string, len(g.order))
	copy(ids, g.order)
	recs := make(map[string]*record, len(g.records))
	for k, v := range g.records {
		recs[k] = v
	}
	g.mu.RUnlock()

	out := make([]Snapshot, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		r, ok := recs[ids[i]]
		if !ok {
			continue
		}
		snap := r.snapshot()
		if !filter.Any && filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		out = append(out, snap)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Evict drops terminal records beyond the retention cap, oldest first. It is
// pull-based: callers invoke it from List/Status rather than on a ticker.
func (g *Registry) Evict() {
	g.mu.Lock()

	terminalCount := 0
	keepFromEnd := map[string]bool{}
	for i := len(g.order) - 1; i >= 0; i-- {
		id := g.order[i]
		r, ok := g.records[id]
		if !ok {
			continue
		}
		r.mu.Lock()
		terminal := r.status.Terminal()
		r.mu.Unlock()
		if !terminal {
			keepFromEnd[id] = true
			continue
		}
		terminalCount++
		if terminalCount <= g.retention {
			keepFromEnd[id] = true
		}
	}

	newOrder := make([]string, 0, len(keepFromEnd))
	var evicted []Snapshot
	for _, id := range g.order {
		if keepFromEnd[id] {
			newOrder = append(newOrder, id)
			continue
		}
		if g.onEvicted != nil {
			if r, ok := g.records[id]; ok {
				evicted = append(evicted, r.snapshot())
			}
		}
		delete(g.records, id)
	}
	g.order = newOrder
	cb := g.onEvicted
	g.mu.Unlock()

	if cb != nil {
		for _, snap := range evicted {
			cb(snap)
		}
	}
}

func (g *Registry) find(id string) (*record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[id]
	return r, ok
}

func countLines(r *ringBuffer) int {
	n := 0
	for _, b := range r.head {
		if b == '\n' {
			n++
		}
	}
	for _, b := range r.tail {
		if b == '\n' {
			n++
		}
	}
	return n
}
