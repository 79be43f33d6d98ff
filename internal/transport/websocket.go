package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsSource reads one frame per text message
type wsSource struct {
	conn *websocket.Conn
}

func openWebSocket(ctx context.Context, url string, headers map[string]string) (*wsSource, error) {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnexpectedStatus, resp.Status, err)
		}
		return nil, err
	}
	return &wsSource{conn: conn}, nil
}

// Next skips binary messages; a normal close reads as io.EOF
func (s *wsSource) Next() ([]byte, string, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, "", io.EOF
			}
			return nil, "", err
		}
		if kind != websocket.TextMessage || len(data) == 0 {
			continue
		}
		return data, "", nil
	}
}

func (s *wsSource) Close() error {
	return s.conn.Close()
}
