package registry

import (
	"sync"
	"testing"

	"shellbroker/internal/errs"
)

func TestCreateAppendTransitionLifecycle(t *testing.T) {
	r := New(50, 0)
	snap := r.Create("id-1", "echo hi", "", "sess-1", "salt")
	if snap.Status != StatusPending {
		t.Fatalf("expected pending, got %s", snap.Status)
	}

	if err := r.Append("id-1", []byte("x")); err == nil {
		t.Fatal("expected append on pending record to fail")
	}

	if err := r.Transition("id-1", StatusRunning); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	if err := r.Append("id-1", []byte("hi\n")); err != nil {
		t.Fatalf("append while running: %v", err)
	}

	if err := r.Transition("id-1", StatusCompleted); err != nil {
		t.Fatalf("running->completed: %v", err)
	}

	if err := r.Append("id-1", []byte("late")); err == nil {
		t.Fatal("expected append after terminal state to fail (I2)")
	}

	snap, _ = r.Get("id-1")
	if string(snap.Buffer) != "hi\n" {
		t.Fatalf("buffer = %q, want %q", snap.Buffer, "hi\n")
	}
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	r := New(50, 0)
	r.Create("id-1", "cmd", "", "sess-1", "salt")

	err := r.Transition("id-1", StatusCompleted)
	if err == nil {
		t.Fatal("expected pending->completed to be rejected")
	}
	if !errs.Is(err, errs.KindInvalidStateTransition) {
		t.Fatalf("expected KindInvalidStateTransition, got %v", err)
	}

	_ = r.Transition("id-1", StatusRunning)
	_ = r.Transition("id-1", StatusCompleted)
	if err := r.Transition("id-1", StatusCancelled); err == nil {
		t.Fatal("expected terminal->anything to be rejected")
	}
}

func TestOnlyOneRunningCommandAtATime(t *testing.T) {
	// This exercises the invariant at the registry layer: nothing prevents
	// two records from both being "running" in the registry itself -- that
	// invariant is enforced by shellsession's in-flight slot -- but the
	// registry must still correctly report status per id independently.
	r := New(50, 0)
	r.Create("a", "cmd-a", "", "sess-1", "salt")
	r.Create("b", "cmd-b", "", "sess-1", "salt")
	_ = r.Transition("a", StatusRunning)

	running := r.List(ListFilter{Status: StatusRunning})
	if len(running) != 1 || running[0].ID != "a" {
		t.Fatalf("expected exactly one running record (a), got %+v", running)
	}
}

func TestCancelOnTerminalIsNoOp(t *testing.T) {
	r := New(50, 0)
	r.Create("id-1", "cmd", "", "sess-1", "salt")
	_ = r.Transition("id-1", StatusRunning)
	_ = r.Transition("id-1", StatusCompleted)

	// Cancel semantics live in the orchestrator; here we only verify the
	// registry's building block -- intended-status bookkeeping on a
	// terminal record is harmless and does not re-open it.
	_ = r.SetIntendedStatus("id-1", StatusCancelled)
	snap, _ := r.Get("id-1")
	if snap.Status != StatusCompleted {
		t.Fatalf("expected status to remain completed, got %s", snap.Status)
	}
}

func TestBoundedBufferElidesMiddle(t *testing.T) {
	r := New(50, 20) // tiny ceiling to force elision
	r.Create("id-1", "cmd", "", "sess-1", "salt")
	_ = r.Transition("id-1", StatusRunning)

	for i := 0; i < 10; i++ {
		_ = r.Append("id-1", []byte("0123456789"))
	}

	snap, _ := r.Get("id-1")
	if !snap.Truncated {
		t.Fatal("expected buffer to be marked truncated")
	}
	if len(snap.Buffer) > 20 {
		t.Fatalf("expected retained buffer to respect the ceiling, got %d bytes", len(snap.Buffer))
	}
	if snap.Buffer[0] != '0' {
		t.Fatalf("expected head to be preserved, got %q", snap.Buffer)
	}
}

func TestBufferMonotonicUntilTerminalThenConstant(t *testing.T) {
	r := New(50, 0)
	r.Create("id-1", "cmd", "", "sess-1", "salt")
	_ = r.Transition("id-1", StatusRunning)

	sizes := []int{}
	for i := 0; i < 5; i++ {
		_ = r.Append("id-1", []byte("abcde"))
		snap, _ := r.Get("id-1")
		sizes = append(sizes, snap.ByteCount)
	}
	for i := 1; i < len(sizes); i++ {
		if sizes[i] < sizes[i-1] {
			t.Fatalf("buffer size decreased: %v", sizes)
		}
	}

	_ = r.Transition("id-1", StatusCompleted)
	before, _ := r.Get("id-1")
	after, _ := r.Get("id-1")
	if before.ByteCount != after.ByteCount {
		t.Fatalf("expected constant size after terminal, got %d then %d", before.ByteCount, after.ByteCount)
	}
}

func TestEvictRespectsRetentionAndNeverDropsRunning(t *testing.T) {
	r := New(2, 0)
	r.Create("keep-running", "cmd", "", "sess-1", "salt")
	_ = r.Transition("keep-running", StatusRunning)

	for i := 0; i < 5; i++ {
		id := "term-" + string(rune('a'+i))
		r.Create(id, "cmd", "", "sess-1", "salt")
		_ = r.Transition(id, StatusRunning)
		_ = r.Transition(id, StatusCompleted)
	}

	r.Evict()
	all := r.List(ListFilter{Any: true})

	runningStillPresent := false
	terminalCount := 0
	for _, s := range all {
		if s.ID == "keep-running" {
			runningStillPresent = true
		}
		if s.Status.Terminal() {
			terminalCount++
		}
	}
	if !runningStillPresent {
		t.Fatal("running record must never be evicted")
	}
	if terminalCount > 2 {
		t.Fatalf("expected at most 2 terminal records retained, got %d", terminalCount)
	}
}

func TestEvictInvokesOnEvictedForDroppedRecordsOnly(t *testing.T) {
	r := New(1, 0)
	var mu sync.Mutex
	var evictedIDs []string
	r.SetOnEvicted(func(s Snapshot) {
		mu.Lock()
		evictedIDs = append(evictedIDs, s.ID)
		mu.Unlock()
	})

	r.Create("keep-running", "cmd", "", "sess-1", "salt")
	_ = r.Transition("keep-running", StatusRunning)

	for i := 0; i < 3; i++ {
		id := "term-" + string(rune('a'+i))
		r.Create(id, "cmd", "", "sess-1", "salt")
		_ = r.Transition(id, StatusRunning)
		_ = r.Transition(id, StatusCompleted)
	}

	r.Evict()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range evictedIDs {
		if id == "keep-running" {
			t.Fatal("running record must never be reported as evicted")
		}
	}
	if len(evictedIDs) != 2 {
		t.Fatalf("expected 2 evicted terminal records beyond retention, got %d (%v)", len(evictedIDs), evictedIDs)
	}
}

func TestUnknownCommandID(t *testing.T) {
	r := New(50, 0)
	if _, ok := r.Get("nope"); ok {
		t.Fatal("expected unknown id to not be found")
	}
	if err := r.Append("nope", []byte("x")); !errs.Is(err, errs.KindUnknownCommandID) {
		t.Fatalf("expected KindUnknownCommandID, got %v", err)
	}
}
