package viewergateway

import "context"

// Transport is a duplex, message-oriented byte channel -- one attached
// viewer connection. Read blocks until a full client frame arrives (or the
// connection closes); Write sends one complete server frame. Both must be
// safe to call from their own dedicated goroutine (Gateway never calls
// Read and Write concurrently from more than one goroutine each).
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}
