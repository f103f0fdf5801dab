// Package push delivers new-message notifications to the recipient's
// device token. Fire-and-forget: failures are logged, never allowed to
// block or fail message delivery.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"dmsync/pkg/logger"
)

// Notifier is the push collaborator contract.
type Notifier interface {
	Send(ctx context.Context, token, title, body, roomID string) error
}

// Nop discards notifications; used when push is disabled.
type Nop struct{}

func (Nop) Send(ctx context.Context, token, title, body, roomID string) error { return nil }

// HTTPNotifier posts Expo-style push payloads to a gateway URL.
type HTTPNotifier struct {
	url    string
	client *http.Client
}

func NewHTTPNotifier(url string) *HTTPNotifier {
	return &HTTPNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type pushPayload struct {
	To    string `json:"to"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound"`
	Data  struct {
		RoomID string `json:"roomId"`
	} `json:"data"`
}

func (n *HTTPNotifier) Send(ctx context.Context, token, title, body, roomID string) error {
	if token == "" {
		return nil
	}
	p := pushPayload{To: token, Title: title, Body: body, Sound: "default"}
	p.Data.RoomID = roomID
	buf, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push gateway returned %s", resp.Status)
	}
	logger.Debug("push_sent", "room", roomID, "title", title)
	return nil
}
