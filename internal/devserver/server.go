package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/remote"
	"dmsync/pkg/telemetry"
)

// Server is the reference sync backend: an authoritative message log over
// HTTP for writes and websockets for change feeds. It exists so the
// client engine has something real to reconcile against in development
// and integration tests.
type Server struct {
	store *Store
	hub   *hub

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewServer(store *Store, rps float64, burst int) *Server {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	return &Server{
		store:    store,
		hub:      newHub(),
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/rooms/{room}", s.handleCreateRoom).Methods("PUT")
	v1.HandleFunc("/rooms/{room}/messages", s.handleListMessages).Methods("GET")
	v1.HandleFunc("/rooms/{room}/messages", s.handleAppendMessage).Methods("POST")
	v1.HandleFunc("/rooms/{room}/messages/{id}", s.handleUpdateMessage).Methods("PATCH")
	v1.HandleFunc("/rooms/{room}/messages/{id}", s.handleDeleteMessage).Methods("DELETE")
	v1.HandleFunc("/rooms/{room}/read", s.handleMarkRead).Methods("POST")
	v1.HandleFunc("/rooms/{room}/summary", s.handleSummary).Methods("POST")
	v1.HandleFunc("/rooms/{room}/stream", s.handleRoomStream).Methods("GET")
	v1.HandleFunc("/users/{user}/token", s.handleSetToken).Methods("PUT")
	v1.HandleFunc("/users/{user}/token", s.handleGetToken).Methods("GET")
	v1.HandleFunc("/users/{user}/rooms/stream", s.handleRoomListStream).Methods("GET")
	v1.HandleFunc("/push", s.handlePush).Methods("POST")

	return s.rateLimit(s.instrument(r))
}

// instrument records per-route request counts with the final status code.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		telemetry.ServerRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.NewResponseController reach the hijacker underneath,
// which the websocket upgrade needs.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		s.limMu.Lock()
		lim, ok := s.limiters[host]
		if !ok {
			lim = rate.NewLimiter(s.rps, s.burst)
			s.limiters[host] = lim
		}
		s.limMu.Unlock()
		if !lim.Allow() {
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonWrite(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	jsonWrite(w, status, map[string]string{"error": msg})
}

// storeStatus maps store error kinds onto HTTP codes.
func storeStatus(err error) int {
	switch {
	case remote.IsNotFound(err):
		return http.StatusNotFound
	case remote.IsPermissionDenied(err):
		return http.StatusForbidden
	case remote.IsSerialization(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonWrite(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	var room models.Room
	if err := json.NewDecoder(r.Body).Decode(&room); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid room body")
		return
	}
	room.ID = roomID
	created, err := s.store.CreateRoomIfAbsent(room)
	if err != nil {
		jsonError(w, storeStatus(err), err.Error())
		return
	}
	if created {
		s.pushRoomLists(room.Participants)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	msgs, err := s.store.ListMessages(roomID, since)
	if err != nil {
		jsonError(w, storeStatus(err), err.Error())
		return
	}
	jsonWrite(w, http.StatusOK, remote.MessageSnapshot{RoomID: roomID, Full: since == 0, Messages: msgs})
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid message body")
		return
	}
	if msg.SenderID == "" || msg.Content == "" {
		jsonError(w, http.StatusBadRequest, "senderId and content are required")
		return
	}
	stored, err := s.store.AppendMessage(roomID, msg)
	if err != nil {
		jsonError(w, storeStatus(err), err.Error())
		return
	}
	s.pushRoom(roomID)
	jsonWrite(w, http.StatusCreated, stored)
}

func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var patch remote.MessagePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid patch body")
		return
	}
	if err := s.store.UpdateMessage(vars["room"], vars["id"], patch); err != nil {
		jsonError(w, storeStatus(err), err.Error())
		return
	}
	s.pushRoom(vars["room"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sender := r.URL.Query().Get("sender")
	if err := s.store.DeleteMessage(vars["room"], vars["id"], sender); err != nil {
		jsonError(w, storeStatus(err), err.Error())
		return
	}
	s.pushRoom(vars["room"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	var body struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid read body")
		return
	}
	if err := s.store.MarkRead(roomID, body.MessageIDs); err != nil {
		jsonError(w, storeStatus(err), err.Error())
		return
	}
	s.pushRoom(roomID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	var sum remote.RoomSummary
	if err := json.NewDecoder(r.Body).Decode(&sum); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid summary body")
		return
	}
	if err := s.store.UpdateSummary(roomID, sum); err != nil {
		jsonError(w, storeStatus(err), err.Error())
		return
	}
	if room, err := s.store.Room(roomID); err == nil {
		s.pushRoomLists(room.Participants)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetToken(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid token body")
		return
	}
	if err := s.store.SetToken(userID, body.Token); err != nil {
		jsonError(w, storeStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]
	tok, err := s.store.Token(userID)
	if err != nil {
		jsonError(w, storeStatus(err), err.Error())
		return
	}
	jsonWrite(w, http.StatusOK, map[string]string{"token": tok})
}

// handlePush is a development stand-in for a push gateway: it accepts
// the notification and logs it.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To    string `json:"to"`
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid push body")
		return
	}
	logger.Info("push_received", "to", body.To, "title", body.Title)
	w.WriteHeader(http.StatusAccepted)
}

// pushRoom rebroadcasts the room's full message list to its subscribers.
func (s *Server) pushRoom(roomID string) {
	msgs, err := s.store.ListMessages(roomID, 0)
	if err != nil {
		logger.Error("room_broadcast_failed", "room", roomID, "error", err)
		return
	}
	s.hub.broadcastRoom(roomID, remote.MessageSnapshot{RoomID: roomID, Full: true, Messages: msgs})
}

// pushRoomLists rebroadcasts each participant's room list.
func (s *Server) pushRoomLists(users []string) {
	for _, u := range users {
		rooms, err := s.store.RoomsFor(u)
		if err != nil {
			logger.Error("roomlist_broadcast_failed", "user", u, "error", err)
			continue
		}
		s.hub.broadcastUser(u, remote.RoomSnapshot{Rooms: rooms})
	}
}

const wsReadLimit = 8 << 20

func (s *Server) handleRoomStream(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if _, err := s.store.Room(roomID); err != nil {
		jsonError(w, storeStatus(err), err.Error())
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		logger.Warn("ws_accept_failed", "room", roomID, "error", err)
		return
	}
	if sw, ok := w.(*statusWriter); ok {
		sw.status = http.StatusSwitchingProtocols
	}
	conn.SetReadLimit(wsReadLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id, ch := s.hub.subscribeRoom(roomID)
	defer s.hub.unsubscribeRoom(roomID, id)
	telemetry.ServerStreamClients.Inc()
	defer telemetry.ServerStreamClients.Dec()

	msgs, err := s.store.ListMessages(roomID, since)
	if err != nil {
		logger.Error("ws_initial_snapshot_failed", "room", roomID, "error", err)
		return
	}
	if err := wsWriteJSON(ctx, conn, remote.MessageSnapshot{RoomID: roomID, Full: since == 0, Messages: msgs}); err != nil {
		return
	}
	s.streamLoop(ctx, cancel, conn, chanReader(ctx, ch))
}

func (s *Server) handleRoomListStream(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		logger.Warn("ws_accept_failed", "user", userID, "error", err)
		return
	}
	if sw, ok := w.(*statusWriter); ok {
		sw.status = http.StatusSwitchingProtocols
	}
	conn.SetReadLimit(wsReadLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id, ch := s.hub.subscribeUser(userID)
	defer s.hub.unsubscribeUser(userID, id)
	telemetry.ServerStreamClients.Inc()
	defer telemetry.ServerStreamClients.Dec()

	rooms, err := s.store.RoomsFor(userID)
	if err != nil {
		logger.Error("ws_initial_snapshot_failed", "user", userID, "error", err)
		return
	}
	if err := wsWriteJSON(ctx, conn, remote.RoomSnapshot{Rooms: rooms}); err != nil {
		return
	}
	s.streamLoop(ctx, cancel, conn, chanReader(ctx, ch))
}

// streamLoop pumps hub snapshots to the websocket until the client goes
// away or the request context ends. A background read detects closes.
func (s *Server) streamLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, recv <-chan any) {
	go func() {
		// clients never send data; a read returning is a disconnect
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-recv:
			if !ok {
				return
			}
			if err := wsWriteJSON(ctx, conn, snap); err != nil {
				return
			}
		}
	}
}

// chanReader adapts a typed hub channel to the stream loop.
func chanReader[T any](ctx context.Context, ch <-chan T) <-chan any {
	out := make(chan any)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func wsWriteJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrSerialization, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
