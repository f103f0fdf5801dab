package httpremote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/websocket"

	"dmsync/pkg/remote"
)

const wsReadLimit = 8 << 20

// dialWS opens the websocket for an http(s) URL.
func dialWS(ctx context.Context, httpURL string) (*websocket.Conn, error) {
	wsURL := httpURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", remote.ErrTransient, wsURL, err)
	}
	conn.SetReadLimit(wsReadLimit)
	return conn, nil
}

// recvFrame reads one frame and decodes it into v. A malformed frame is
// reported as a transient connection fault so the subscription manager
// reattaches instead of degrading.
func recvFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: stream read: %v", remote.ErrTransient, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: stream frame: %v", remote.ErrTransient, err)
	}
	return nil
}

type messageStream struct {
	conn *websocket.Conn
}

func (s *messageStream) Recv(ctx context.Context) (remote.MessageSnapshot, error) {
	var snap remote.MessageSnapshot
	if err := recvFrame(ctx, s.conn, &snap); err != nil {
		return remote.MessageSnapshot{}, err
	}
	return snap, nil
}

func (s *messageStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

type roomStream struct {
	conn *websocket.Conn
}

func (s *roomStream) Recv(ctx context.Context) (remote.RoomSnapshot, error) {
	var snap remote.RoomSnapshot
	if err := recvFrame(ctx, s.conn, &snap); err != nil {
		return remote.RoomSnapshot{}, err
	}
	return snap, nil
}

func (s *roomStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
