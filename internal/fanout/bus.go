// Package fanout owns the single broadcast loop that appends raw shell
// output to the command registry, runs prompt-boundary detection, and
// distributes the same bytes to every attached viewer. There is
// exactly one producer (the shell session's read loop, which only ever
// writes to the bus's ingest channel) and exactly one broadcaster (Bus.Run),
// satisfying ordering invariant (ii): the detector always runs on the same
// task as the registry append, strictly after it.
package fanout

import (
	"context"
	"log"
	"sync"
)

// Viewer is anything that can receive a non-blocking push of output bytes.
// Implementations must return quickly; Send is called from the bus's single
// broadcast goroutine and must never block it.
type Viewer interface {
	ID() string
	// Send attempts to deliver chunk without blocking. It returns false if
	// the viewer could not accept the chunk (queue full, closed transport);
	// a false return causes the bus to disconnect the viewer.
	Send(chunk []byte) bool
}

// AppendFunc appends a chunk to the registry record for the active command.
// Returning an error (e.g. no command is running) is not fatal to the bus;
// the chunk is still fanned out to viewers so a human watching the raw
// stream never loses bytes, but prompt detection and registry bookkeeping
// are skipped for that chunk.
type AppendFunc func(chunk []byte) error

// DetectFunc feeds bytes to the prompt-boundary detector. Called after
// AppendFunc succeeds, on the same goroutine, preserving invariant (ii).
type DetectFunc func(chunk []byte)

// Bus fans a single byte stream out to any number of registered viewers.
type Bus struct {
	mu      sync.RWMutex
	viewers map[string]Viewer

	Append AppendFunc
	Detect DetectFunc

	onDisconnect func(viewerID string)
}

// New creates a Bus. Append and Detect may be set directly on the returned
// Bus before calling Run, or left nil (useful in tests that only exercise
// fan-out, not registry/detector wiring).
func New() *Bus {
	return &Bus{viewers: make(map[string]Viewer)}
}

// SetOnDisconnect registers a callback invoked (off the broadcast goroutine
// is not guaranteed -- callers must not block) whenever a viewer is dropped
// for lagging or closing.
func (b *Bus) SetOnDisconnect(fn func(viewerID string)) {
	b.mu.Lock()
	b.onDisconnect = fn
	b.mu.Unlock()
}

// Register attaches a viewer so it begins receiving future chunks. It does
// not replay any history: a viewer that attaches mid-command sees output
// only from the point of attachment forward; there is no scrollback
// replay on attach.
func (b *Bus) Register(v Viewer) {
	b.mu.Lock()
	b.viewers[v.ID()] = v
	b.mu.Unlock()
}

// Deregister detaches a viewer explicitly (e.g. on transport close).
func (b *Bus) Deregister(id string) {
	b.mu.Lock()
	delete(b.viewers, id)
	b.mu.Unlock()
}

// ViewerCount reports how many viewers are currently attached.
func (b *Bus) ViewerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.viewers)
}

// Ingest processes one chunk of raw shell output: append to the registry,
// feed the prompt detector, then broadcast to every viewer. It never blocks
// on a slow viewer -- a viewer that cannot keep up is disconnected instead.
func (b *Bus) Ingest(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	if b.Append != nil {
		if err := b.Append(chunk); err != nil {
			log.Printf("fanout: append skipped: %v", err)
		} else if b.Detect != nil {
			b.Detect(chunk)
		}
	} else if b.Detect != nil {
		b.Detect(chunk)
	}

	b.broadcast(chunk)
}

func (b *Bus) broadcast(chunk []byte) {
	b.mu.RLock()
	targets := make([]Viewer, 0, len(b.viewers))
	for _, v := range b.viewers {
		targets = append(targets, v)
	}
	b.mu.RUnlock()

	var dropped []string
	for _, v := range targets {
		if !v.Send(chunk) {
			dropped = append(dropped, v.ID())
		}
	}

	if len(dropped) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range dropped {
		delete(b.viewers, id)
	}
	cb := b.onDisconnect
	b.mu.Unlock()
	if cb != nil {
		for _, id := range dropped {
			cb(id)
		}
	}
}

// Run drains source until it closes or ctx is cancelled, calling Ingest for
// every chunk. This is the bus's single broadcast task: the only goroutine
// permitted to call Append/Detect/broadcast.
func (b *Bus) Run(ctx context.Context, source <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-source:
			if !ok {
				return
			}
			b.Ingest(chunk)
		}
	}
}
