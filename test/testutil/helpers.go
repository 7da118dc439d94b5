package testutil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/objsync/internal/models"
	"github.com/TheMichaelB/objsync/internal/objfile"
	"github.com/TheMichaelB/objsync/internal/transport"
)

// RemoteServer serves the object store HTTP API and the events stream
// from a MemoryRemote.
type RemoteServer struct {
	*httptest.Server
	Mem *transport.MemoryRemote

	// Token, when set, is required on the events stream.
	Token string

	mu       sync.Mutex
	subs     map[*websocket.Conn]*sync.Mutex
	upgrader websocket.Upgrader
}

// NewRemoteServer starts a server over mem; it stops with the test.
func NewRemoteServer(t testing.TB, mem *transport.MemoryRemote) *RemoteServer {
	t.Helper()
	s := &RemoteServer{
		Mem:  mem,
		subs: make(map[*websocket.Conn]*sync.Mutex),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /objs/{id}/versions/{v}", s.handleFirstChunk)
	mux.HandleFunc("PUT /objs/{id}/transactions/{tx}", s.handleFollowingChunk)
	mux.HandleFunc("DELETE /objs/{id}/transactions/{tx}", s.handleCancel)
	mux.HandleFunc("DELETE /objs/{id}/transactions", s.handleCancel)
	mux.HandleFunc("DELETE /objs/{id}", s.handleDelete)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// EventsURL is the websocket address of the events stream.
func (s *RemoteServer) EventsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/events"
}

// Subscribers counts connected event streams.
func (s *RemoteServer) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Publish sends ev to every connected stream.
func (s *RemoteServer) Publish(ev transport.RemoteEvent) error {
	var (
		typ  models.WSMessageType
		data interface{}
	)
	switch ev.Kind {
	case transport.RemoteRemoved:
		typ, data = models.WSTypeObjRemoved, models.ObjRemovedMessage{ObjID: ev.ObjID}
	default:
		typ, data = models.WSTypeObjChanged, models.ObjChangedMessage{ObjID: ev.ObjID, NewVersion: ev.Version}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	msg := models.WSMessage{Type: typ, Timestamp: time.Now().UTC(), Data: raw}

	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for conn, wmu := range s.subs {
		wmu.Lock()
		errs = append(errs, conn.WriteJSON(msg))
		wmu.Unlock()
	}
	return errors.Join(errs...)
}

func (s *RemoteServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var sub models.WSMessage
	if err := conn.ReadJSON(&sub); err != nil || sub.Type != models.WSTypeSubscribe {
		return
	}

	s.mu.Lock()
	s.subs[conn] = &sync.Mutex{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		s.mu.Unlock()
	}()

	// keep reading so pings are answered and a close is noticed
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *RemoteServer) handleFirstChunk(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	layout, reason := objfile.DecodePreamble(body)
	if reason != "" {
		http.Error(w, reason, http.StatusBadRequest)
		return
	}
	v, _ := strconv.ParseUint(r.PathValue("v"), 10, 64)
	cur, _ := strconv.ParseUint(r.URL.Query().Get("current"), 10, 64)
	total, _ := strconv.ParseInt(r.URL.Query().Get("segsTotal"), 10, 64)

	chunk := &transport.FirstChunk{
		Version:   models.Version(v),
		Current:   models.Version(cur),
		Header:    body[layout.HeaderOffset():layout.SegsOffset()],
		Segs:      body[layout.SegsOffset():],
		SegsTotal: total,
		IsLast:    r.URL.Query().Get("last") == "true",
	}
	if layout.HasDiff() {
		chunk.Diff = body[layout.DiffOffset():layout.HeaderOffset()]
	}

	txID, err := s.Mem.SaveFirstChunk(r.Context(), models.ObjectID(r.PathValue("id")), chunk)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"transactionId": txID})
}

func (s *RemoteServer) handleFollowingChunk(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	ofs, _ := strconv.ParseInt(r.URL.Query().Get("ofs"), 10, 64)
	err := s.Mem.SaveFollowingChunk(r.Context(), models.ObjectID(r.PathValue("id")), &transport.FollowingChunk{
		TransactionID: r.PathValue("tx"),
		Offset:        ofs,
		Segs:          body,
		IsLast:        r.URL.Query().Get("last") == "true",
	})
	if err != nil {
		writeAPIError(w, err)
	}
}

func (s *RemoteServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Mem.CancelTransaction(r.Context(), models.ObjectID(r.PathValue("id")), r.PathValue("tx")); err != nil {
		writeAPIError(w, err)
	}
}

func (s *RemoteServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Mem.DeleteObj(r.Context(), models.ObjectID(r.PathValue("id"))); err != nil {
		writeAPIError(w, err)
	}
}

func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	body := transport.RemoteError{Message: err.Error()}

	if mm, ok := models.AsVersionMismatch(err); ok {
		status, body.Code, body.Current = http.StatusConflict, models.ErrCodeConflict, mm.Current
	} else if errors.Is(err, models.ErrConcurrentTransaction) {
		status, body.Code = http.StatusConflict, models.ErrCodeTransaction
	} else if errors.Is(err, models.ErrObjAlreadyExists) {
		status, body.Code = http.StatusConflict, models.ErrCodeAlreadyExist
	} else if errors.Is(err, models.ErrUnknownTransaction) {
		status, body.Code = http.StatusNotFound, models.ErrCodeUnknownTx
	} else if models.IsConnectivity(err) {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
