package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"dmsync/pkg/models"
	"dmsync/pkg/remote"
)

// Client talks to a sync backend over HTTP for writes and websockets for
// change feeds. It implements remote.Store.
type Client struct {
	base string
	http *http.Client
}

// New builds a client for the given base URL, e.g. "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		// no client-level timeout: every call carries a context, and
		// stream dials must be allowed to outlive any fixed deadline
		http: &http.Client{},
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// do runs one JSON request and maps the response status onto the error
// kinds the sync engine understands.
func (c *Client) do(ctx context.Context, method, path string, in, out any, expect int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode %s %s: %v", remote.ErrSerialization, method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", remote.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == expect {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s %s: %v", remote.ErrSerialization, method, path, err)
		}
		return nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	msg := eb.Error
	if msg == "" {
		msg = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s: %s", remote.ErrPermissionDenied, method, path, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s: %s", remote.ErrNotFound, method, path, msg)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s: %s", remote.ErrTransient, method, path, msg)
	default:
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, msg)
	}
}

func (c *Client) CreateRoomIfAbsent(ctx context.Context, room models.Room) error {
	return c.do(ctx, http.MethodPut, "/v1/rooms/"+url.PathEscape(room.ID), room, nil, http.StatusNoContent)
}

func (c *Client) WriteMessage(ctx context.Context, roomID string, msg models.Message) (string, int64, error) {
	var stored models.Message
	path := "/v1/rooms/" + url.PathEscape(roomID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, msg, &stored, http.StatusCreated); err != nil {
		return "", 0, err
	}
	return stored.ID, stored.CreatedAt, nil
}

func (c *Client) UpdateMessage(ctx context.Context, roomID, msgID string, patch remote.MessagePatch) error {
	path := "/v1/rooms/" + url.PathEscape(roomID) + "/messages/" + url.PathEscape(msgID)
	return c.do(ctx, http.MethodPatch, path, patch, nil, http.StatusNoContent)
}

func (c *Client) DeleteMessage(ctx context.Context, roomID, msgID, senderID string) error {
	path := "/v1/rooms/" + url.PathEscape(roomID) + "/messages/" + url.PathEscape(msgID) +
		"?sender=" + url.QueryEscape(senderID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, http.StatusNoContent)
}

func (c *Client) BatchMarkRead(ctx context.Context, roomID string, msgIDs []string) error {
	path := "/v1/rooms/" + url.PathEscape(roomID) + "/read"
	body := map[string][]string{"messageIds": msgIDs}
	return c.do(ctx, http.MethodPost, path, body, nil, http.StatusNoContent)
}

func (c *Client) UpdateRoomSummary(ctx context.Context, roomID string, sum remote.RoomSummary) error {
	path := "/v1/rooms/" + url.PathEscape(roomID) + "/summary"
	return c.do(ctx, http.MethodPost, path, sum, nil, http.StatusNoContent)
}

func (c *Client) FetchPushToken(ctx context.Context, userID string) (string, error) {
	var body struct {
		Token string `json:"token"`
	}
	path := "/v1/users/" + url.PathEscape(userID) + "/token"
	if err := c.do(ctx, http.MethodGet, path, nil, &body, http.StatusOK); err != nil {
		return "", err
	}
	return body.Token, nil
}

func (c *Client) SubscribeMessages(ctx context.Context, roomID string, since int64) (remote.MessageStream, error) {
	path := "/v1/rooms/" + url.PathEscape(roomID) + "/stream?since=" + strconv.FormatInt(since, 10)
	conn, err := dialWS(ctx, c.base+path)
	if err != nil {
		return nil, err
	}
	return &messageStream{conn: conn}, nil
}

func (c *Client) SubscribeRooms(ctx context.Context, userID string) (remote.RoomStream, error) {
	path := "/v1/users/" + url.PathEscape(userID) + "/rooms/stream"
	conn, err := dialWS(ctx, c.base+path)
	if err != nil {
		return nil, err
	}
	return &roomStream{conn: conn}, nil
}
