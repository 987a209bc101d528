// Package orchestrator composes the shell session, command registry,
// fan-out bus, and output filter into the agent-facing public API (spec
// §4.6): execute, status, fetch_raw, cancel, list, and terminal status.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"shellbroker/internal/errs"
	"shellbroker/internal/fanout"
	"shellbroker/internal/outputfilter"
	"shellbroker/internal/promptdetect"
	"shellbroker/internal/registry"
	"shellbroker/internal/shellsession"
)

// ResultStatus is the orchestrator's public-facing status vocabulary. It is
// a superset of registry.Status: it also reports outcomes (busy,
// not_connected) that never become registry records.
type ResultStatus string

const (
	ResultPending      ResultStatus = "pending"
	ResultRunning      ResultStatus = "running"
	ResultCompleted    ResultStatus = "completed"
	ResultCancelled    ResultStatus = "cancelled"
	ResultTimeout      ResultStatus = "timeout"
	ResultInterrupted  ResultStatus = "interrupted"
	ResultBusy         ResultStatus = "busy"
	ResultNotConnected ResultStatus = "not_connected"
)

func fromRegistryStatus(s registry.Status) ResultStatus {
	return ResultStatus(s)
}

// Config bundles the timing and policy knobs the orchestrator needs (spec
// §6 "recognized options").
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	PromptGrace    time.Duration
	ForcedGrace    time.Duration
	Policy         outputfilter.Policy
}

// Orchestrator is the single point of coordination for one open shell
// session. It owns exactly one Session, Registry, and Bus.
type Orchestrator struct {
	cfg       Config
	session   *shellsession.Session
	registry  *registry.Registry
	bus       *fanout.Bus
	detector  *promptdetect.Detector
	sessionID string
	host      string
	user      string

	mu          sync.Mutex
	connected   bool
	timers      map[string]*time.Timer
	graceTimers map[string]*time.Timer

	onDisconnect func()
}

// New wires a freshly opened Session into a new Orchestrator. The session
// is assumed already open (shellsession.Open) but not yet producing to any
// bus.
func New(session *shellsession.Session, host, user string, cfg Config, reg *registry.Registry) *Orchestrator {
	if cfg.PromptGrace <= 0 {
		cfg.PromptGrace = 300 * time.Millisecond
	}
	if cfg.ForcedGrace <= 0 {
		cfg.ForcedGrace = 2 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = time.Hour
	}

	o := &Orchestrator{
		cfg:         cfg,
		session:     session,
		registry:    reg,
		bus:         fanout.New(),
		detector:    promptdetect.New(cfg.PromptGrace),
		sessionID:   uuid.NewString(),
		host:        host,
		user:        user,
		connected:   true,
		timers:      make(map[string]*time.Timer),
		graceTimers: make(map[string]*time.Timer),
	}
	o.bus.Append = o.appendToInFlight
	o.bus.Detect = o.detector.Feed
	o.detector.SetOnBoundary(o.handleBoundary)
	return o
}

// Bus exposes the fan-out bus so the viewer gateway can register/deregister
// viewers directly.
func (o *Orchestrator) Bus() *fanout.Bus { return o.bus }

// Session exposes the underlying shell session for the viewer gateway's
// type/resize relaying.
func (o *Orchestrator) Session() *shellsession.Session { return o.session }

// SetOnDisconnect registers a callback fired once when the session tears
// down, so the viewer gateway can broadcast a disconnected status frame.
func (o *Orchestrator) SetOnDisconnect(fn func()) {
	o.mu.Lock()
	o.onDisconnect = fn
	o.mu.Unlock()
}

// Run drains the session's raw output through the bus until the session
// closes or ctx is cancelled, after first learning the prompt signature
// from an initial quiescence window. It blocks until the session ends and
// should be run on its own goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.bus.Run(ctx, o.session.RawOutput())
		close(done)
	}()

	o.learnPromptSignature(ctx)

	<-done
	o.handleSessionClosed()
}

// appendToInFlight is the Bus's AppendFunc: route bytes to whichever
// command currently holds the in-flight slot.
func (o *Orchestrator) appendToInFlight(chunk []byte) error {
	id, busy := o.session.CurrentCommand()
	if !busy {
		return errs.New(errs.KindUnknownCommandID, "no in-flight command to append to")
	}
	return o.registry.Append(id, chunk)
}

// learningCollector is a throwaway fanout.Viewer used only to capture the
// idle-prompt sample at session start.
type learningCollector struct {
	mu        sync.Mutex
	buf       []byte
	lastWrite time.Time
}

func (c *learningCollector) ID() string { return "~prompt-signature-learner~" }

func (c *learningCollector) Send(chunk []byte) bool {
	c.mu.Lock()
	c.buf = append(c.buf, chunk...)
	c.lastWrite = time.Now()
	c.mu.Unlock()
	return true
}

func (c *learningCollector) snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	return out
}

func (c *learningCollector) quiescentFor(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastWrite) >= d
}

// learnPromptSignature issues a benign marker command and waits for
// quiescence, then feeds the captured idle-prompt sample to the detector.
func (o *Orchestrator) learnPromptSignature(ctx context.Context) {
	collector := &learningCollector{lastWrite: time.Now()}
	o.bus.Register(collector)
	defer o.bus.Deregister(collector.ID())

	marker, err := randomMarker()
	if err != nil {
		log.Printf("orchestrator: failed to generate signature marker: %v", err)
		return
	}
	if err := o.session.Type([]byte("echo " + marker + "\n")); err != nil {
		log.Printf("orchestrator: failed to write signature probe: %v", err)
		return
	}

	deadline := time.Now().Add(10 * time.Second)
	ticker := time.NewTicker(o.cfg.PromptGrace / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.detector.Learn(shellsession.LearnSignature(collector.snapshot()))
			return
		case <-ticker.C:
			if collector.quiescentFor(o.cfg.PromptGrace) || time.Now().After(deadline) {
				o.detector.Learn(shellsession.LearnSignature(collector.snapshot()))
				return
			}
		}
	}
}

func randomMarker() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ExecuteRequest is the agent-facing execute_command argument set.
type ExecuteRequest struct {
	Command        string
	Timeout        time.Duration
	Mode           outputfilter.Mode
	ConversationID string
}

// ExecuteResult is execute_command's return shape.
type ExecuteResult struct {
	ID      string
	Status  ResultStatus
	Payload *outputfilter.Payload
}

// Execute dispatches a command, waiting synchronously up to the requested
// (capped) timeout for a terminal boundary before returning early with
// ResultRunning.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if !o.isConnected() {
		return ExecuteResult{Status: ResultNotConnected}, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	if timeout > o.cfg.MaxTimeout {
		timeout = o.cfg.MaxTimeout
	}

	id := uuid.NewString()
	if err := o.session.Execute(id, req.Command); err != nil {
		if errs.Is(err, errs.KindBusy) {
			busyID, _ := o.session.CurrentCommand()
			return ExecuteResult{ID: busyID, Status: ResultBusy}, nil
		}
		if errs.Is(err, errs.KindNotConnected) {
			return ExecuteResult{Status: ResultNotConnected}, nil
		}
		return ExecuteResult{}, err
	}

	o.registry.Create(id, req.Command, req.ConversationID, o.sessionID, o.session.MarkerSalt())
	if err := o.registry.Transition(id, registry.StatusRunning); err != nil {
		return ExecuteResult{}, err
	}
	o.armDeadline(id, timeout)

	doneCh, _ := o.registry.Done(id)
	select {
	case <-doneCh:
		snap, _ := o.registry.Get(id)
		payload := outputfilter.Filter(outputfilter.Input{
			Buffer: snap.Buffer, Mode: req.Mode, CommandText: snap.CommandText,
			MarkerSalt: snap.MarkerSalt, RetrievalID: id, Truncated: snap.Truncated,
		}, o.cfg.Policy)
		return ExecuteResult{ID: id, Status: fromRegistryStatus(snap.Status), Payload: &payload}, nil
	case <-time.After(timeout):
		return ExecuteResult{ID: id, Status: ResultRunning}, nil
	case <-ctx.Done():
		return ExecuteResult{ID: id, Status: ResultRunning}, nil
	}
}

// StatusResult is check_command_status's return shape.
type StatusResult struct {
	Status  ResultStatus
	Payload *outputfilter.Payload
}

// Status returns the current snapshot of a command, producing a payload
// via the output filter only once the command has reached a terminal
// state.
func (o *Orchestrator) Status(id string, mode outputfilter.Mode) (StatusResult, error) {
	o.registry.Evict()
	snap, ok := o.registry.Get(id)
	if !ok {
		return StatusResult{}, errs.New(errs.KindUnknownCommandID, id)
	}
	if !snap.Status.Terminal() {
		return StatusResult{Status: fromRegistryStatus(snap.Status)}, nil
	}
	payload := outputfilter.Filter(outputfilter.Input{
		Buffer: snap.Buffer, Mode: mode, CommandText: snap.CommandText,
		MarkerSalt: snap.MarkerSalt, RetrievalID: id, Truncated: snap.Truncated,
	}, o.cfg.Policy)
	return StatusResult{Status: fromRegistryStatus(snap.Status), Payload: &payload}, nil
}

// FetchRaw returns a command's buffer exactly as retained.
func (o *Orchestrator) FetchRaw(id string) ([]byte, error) {
	snap, ok := o.registry.Get(id)
	if !ok {
		return nil, errs.New(errs.KindUnknownCommandID, id)
	}
	return snap.Buffer, nil
}

// CancelResult is cancel_command's return shape.
type CancelResult struct {
	OK bool
}

// Cancel sends an interrupt if id is the in-flight command. The actual
// terminal transition happens once the next boundary (or timeout) arrives
// the command remains retrievable by id either way.
func (o *Orchestrator) Cancel(id string) (CancelResult, error) {
	snap, ok := o.registry.Get(id)
	if !ok {
		return CancelResult{}, errs.New(errs.KindUnknownCommandID, id)
	}
	if snap.Status.Terminal() {
		return CancelResult{OK: false}, nil
	}
	curID, busy := o.session.CurrentCommand()
	if !busy || curID != id {
		return CancelResult{OK: false}, nil
	}
	if err := o.registry.SetIntendedStatus(id, registry.StatusCancelled); err != nil {
		return CancelResult{}, err
	}
	if err := o.session.SendInterrupt(); err != nil {
		return CancelResult{}, err
	}
	return CancelResult{OK: true}, nil
}

// List returns command snapshots, evicting stale terminal records first
// (pull-based eviction, triggered lazily on each List call).
func (o *Orchestrator) List(filter registry.ListFilter) []registry.Snapshot {
	o.registry.Evict()
	return o.registry.List(filter)
}

// TerminalStatusResult is get_terminal_status's return shape.
type TerminalStatusResult struct {
	Connected bool
	Host      string
	User      string
}

// TerminalStatus reports whether the shell session is currently connected.
func (o *Orchestrator) TerminalStatus() TerminalStatusResult {
	return TerminalStatusResult{Connected: o.isConnected(), Host: o.host, User: o.user}
}

func (o *Orchestrator) isConnected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected
}

func (o *Orchestrator) armDeadline(id string, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() { o.onTimeout(id) })
	o.mu.Lock()
	o.timers[id] = timer
	o.mu.Unlock()
}

func (o *Orchestrator) onTimeout(id string) {
	snap, ok := o.registry.Get(id)
	if !ok || snap.Status.Terminal() {
		return
	}
	if err := o.registry.SetIntendedStatus(id, registry.StatusTimeout); err != nil {
		log.Printf("orchestrator: failed to set intended status on timeout for %s: %v", id, err)
	}
	if err := o.session.SendInterrupt(); err != nil {
		log.Printf("orchestrator: failed to send interrupt on timeout for %s: %v", id, err)
	}
	grace := time.AfterFunc(o.cfg.ForcedGrace, func() { o.onForcedTimeout(id) })
	o.mu.Lock()
	o.graceTimers[id] = grace
	o.mu.Unlock()
}

func (o *Orchestrator) onForcedTimeout(id string) {
	snap, ok := o.registry.Get(id)
	if !ok || snap.Status.Terminal() {
		return
	}
	if err := o.registry.Transition(id, registry.StatusTimeout, registry.WithForcedBoundary()); err != nil {
		log.Printf("orchestrator: forced timeout transition failed for %s: %v", id, err)
		return
	}
	o.session.ClearInFlight()
	o.cleanupTimers(id)
}

// handleBoundary is the detector's OnBoundary callback: it finalises the
// in-flight command's record into its terminal state.
func (o *Orchestrator) handleBoundary() {
	id, busy := o.session.CurrentCommand()
	if !busy {
		return
	}
	snap, ok := o.registry.Get(id)
	if !ok || snap.Status.Terminal() {
		return
	}

	payload := outputfilter.Filter(outputfilter.Input{
		Buffer: snap.Buffer, Mode: outputfilter.ModeSummary,
		CommandText: snap.CommandText, MarkerSalt: snap.MarkerSalt,
	}, o.cfg.Policy)
	if payload.ExitCode != nil {
		_ = o.registry.SetExitCode(id, *payload.ExitCode)
	}
	_ = o.registry.SetErrorInfo(id, payload.HasErrors, "")

	newStatus := registry.StatusCompleted
	if intended, has := o.registry.IntendedStatus(id); has {
		newStatus = intended
	}
	if err := o.registry.Transition(id, newStatus); err != nil {
		log.Printf("orchestrator: boundary transition failed for %s: %v", id, err)
		return
	}
	o.session.ClearInFlight()
	o.cleanupTimers(id)
}

func (o *Orchestrator) cleanupTimers(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[id]; ok {
		t.Stop()
		delete(o.timers, id)
	}
	if t, ok := o.graceTimers[id]; ok {
		t.Stop()
		delete(o.graceTimers, id)
	}
}

// handleSessionClosed implements I5: any command left running at teardown
// transitions to interrupted, never completed.
func (o *Orchestrator) handleSessionClosed() {
	o.mu.Lock()
	o.connected = false
	cb := o.onDisconnect
	o.mu.Unlock()

	for _, snap := range o.registry.List(registry.ListFilter{Status: registry.StatusRunning}) {
		if err := o.registry.Transition(snap.ID, registry.StatusInterrupted); err != nil {
			log.Printf("orchestrator: failed to mark %s interrupted on session close: %v", snap.ID, err)
		}
		o.cleanupTimers(snap.ID)
	}
	o.session.ClearInFlight()

	if cb != nil {
		cb()
	}
}
