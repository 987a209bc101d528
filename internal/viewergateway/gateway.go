// Package viewergateway accepts browser viewer attachments over a duplex
// transport, relays their keystrokes and resize events into the shared
// shell session, and registers each one with the fan-out bus so it
// receives the same ordered byte stream as every other viewer and as the
// command registry.
package viewergateway

import (
	"context"
	"log"
	"sync"

	"shellbroker/internal/fanout"
	"shellbroker/internal/shellsession"
)

// Gateway owns the set of attached viewers for one shell session.
type Gateway struct {
	bus      *fanout.Bus
	session  *shellsession.Session
	queueCap int

	mu      sync.RWMutex
	viewers map[string]*attachedViewer
}

// New creates a Gateway bound to bus and session. queueCap bounds each
// viewer's outbound queue; a viewer that cannot keep up is disconnected
// rather than allowed to stall the broadcast loop.
func New(bus *fanout.Bus, session *shellsession.Session, queueCap int) *Gateway {
	if queueCap <= 0 {
		queueCap = 256
	}
	g := &Gateway{
		bus:      bus,
		session:  session,
		queueCap: queueCap,
		viewers:  make(map[string]*attachedViewer),
	}
	// A viewer the bus drops for lagging is stopped here as well, so its
	// writer loop ends and its Attach call returns.
	bus.SetOnDisconnect(func(id string) {
		g.mu.RLock()
		v := g.viewers[id]
		g.mu.RUnlock()
		if v != nil {
			v.stop()
		}
	})
	return g
}

// queuedFrame is one item on a viewer's outbound queue. raw output chunks
// still need encodeOutput applied by the writer; status frames are already
// fully encoded JSON and must be written as-is.
type queuedFrame struct {
	data    []byte
	encoded bool
}

// attachedViewer implements fanout.Viewer over a bounded outbound queue
// drained by its own writer goroutine, so Send never blocks the bus.
type attachedViewer struct {
	id  string
	out chan queuedFrame

	closeOnce sync.Once
	closed    chan struct{}
}

func newAttachedViewer(id string, queueCap int) *attachedViewer {
	return &attachedViewer{
		id:     id,
		out:    make(chan queuedFrame, queueCap),
		closed: make(chan struct{}),
	}
}

func (v *attachedViewer) ID() string { return v.id }

// Send implements fanout.Viewer: chunk is a raw output byte slice, encoded
// into a ServerMessage by the writer loop.
func (v *attachedViewer) Send(chunk []byte) bool {
	return v.enqueue(queuedFrame{data: chunk, encoded: false})
}

// sendEncoded queues an already-JSON-encoded frame (e.g. a status message)
// to be written to the wire verbatim, bypassing encodeOutput.
func (v *attachedViewer) sendEncoded(frame []byte) bool {
	return v.enqueue(queuedFrame{data: frame, encoded: true})
}

func (v *attachedViewer) enqueue(f queuedFrame) bool {
	select {
	case <-v.closed:
		return false
	default:
	}
	select {
	case v.out <- f:
		return true
	default:
		return false
	}
}

func (v *attachedViewer) stop() {
	v.closeOnce.Do(func() { close(v.closed) })
}

// Attach registers t as a new viewer and blocks, relaying bytes in both
// directions, until t's connection closes, ctx is cancelled, or the
// viewer is dropped for lagging. It always deregisters the viewer before
// returning (idempotent with respect to the bus, per the gateway's
// always-remove-on-disconnect contract).
func (g *Gateway) Attach(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := randomViewerID()
	v := newAttachedViewer(id, g.queueCap)

	g.mu.Lock()
	g.viewers[id] = v
	g.mu.Unlock()
	g.bus.Register(v)

	defer func() {
		g.bus.Deregister(id)
		g.mu.Lock()
		delete(g.viewers, id)
		g.mu.Unlock()
		v.stop()
		t.Close("viewer detached")
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	writeErrCh := make(chan error, 1)
	go func() {
		defer wg.Done()
		writeErrCh <- g.writeLoop(ctx, t, v)
	}()

	readErrCh := make(chan error, 1)
	go func() {
		defer wg.Done()
		readErrCh <- g.readLoop(ctx, t, v)
	}()

	var err error
	select {
	case err = <-writeErrCh:
		cancel()
	case err = <-readErrCh:
		cancel()
	}
	wg.Wait()
	return err
}

func (g *Gateway) writeLoop(ctx context.Context, t Transport, v *attachedViewer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.closed:
			return nil
		case f := <-v.out:
			frame := f.data
			if !f.encoded {
				frame = encodeOutput(f.data)
			}
			if err := t.Write(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, t Transport, v *attachedViewer) error {
	for {
		raw, err := t.Read(ctx)
		if err != nil {
			return err
		}
		msg, err := decodeClientMessage(raw)
		if err != nil {
			log.Printf("viewergateway: dropping malformed frame from %s: %v", v.id, err)
			continue
		}
		switch msg.Type {
		case "input":
			if err := g.session.Type([]byte(msg.Data)); err != nil {
				log.Printf("viewergateway: failed to relay input from %s: %v", v.id, err)
			}
		case "resize":
			if err := g.session.Resize(msg.Rows, msg.Cols); err != nil {
				log.Printf("viewergateway: failed to relay resize from %s: %v", v.id, err)
			}
		default:
			log.Printf("viewergateway: ignoring unknown frame type %q from %s", msg.Type, v.id)
		}
	}
}

// BroadcastStatus pushes a status frame to every currently attached viewer,
// bypassing the bus (status frames are not shell output and so are not
// subject to append/detect ordering).
func (g *Gateway) BroadcastStatus(connected bool) {
	frame := encodeStatus(connected)
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, v := range g.viewers {
		v.sendEncoded(frame)
	}
}

// ViewerCount reports how many viewers are currently attached.
func (g *Gateway) ViewerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.viewers)
}
