package viewergateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// WebsocketTransport is the concrete Transport backed by
// github.com/coder/websocket, carrying JSON frames as text messages.
type WebsocketTransport struct {
	conn *websocket.Conn
}

// AcceptWebsocket upgrades an HTTP request to a WebSocket connection and
// wraps it as a Transport. insecureSkipVerify should only ever be true in
// local/dev setups that skip the browser's Origin check.
func AcceptWebsocket(w http.ResponseWriter, r *http.Request, insecureSkipVerify bool) (*WebsocketTransport, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: insecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return &WebsocketTransport{conn: conn}, nil
}

func (t *WebsocketTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *WebsocketTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *WebsocketTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
