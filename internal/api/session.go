package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsSession writes text frames. The hub is its only writer; pings go through
// WriteControl, which gorilla allows concurrently with WriteMessage.
type wsSession struct {
	id   string
	conn *websocket.Conn
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Send(text string) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (a *API) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	sourceID, lines, err := a.sessionParams(r)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		logError(r.Context(), "websocket upgrade", err)
		return
	}
	defer conn.Close()

	sess := &wsSession{id: uuid.NewString(), conn: conn}
	if err := a.hub.Subscribe(sourceID, sess, lines); err != nil {
		logError(r.Context(), fmt.Sprintf("session %s subscribe %s", sess.id, sourceID), err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return
	}
	defer a.hub.Disconnect(sess)
	logMsg(r.Context(), fmt.Sprintf("session %s open source=%s number=%d", sess.id, sourceID, lines))

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	// Viewers never send anything meaningful; reading keeps pongs and close
	// frames flowing and tells us when the peer is gone.
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logError(r.Context(), fmt.Sprintf("session %s read", sess.id), err)
			}
			break
		}
	}
	logMsg(r.Context(), fmt.Sprintf("session %s closed", sess.id))
}

// sseSession encodes each chunk as a JSON string so CR and LF inside log text
// cannot terminate the event early.
type sseSession struct {
	id string
	mu sync.Mutex
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseSession) ID() string { return s.id }

func (s *sseSession) Send(text string) error {
	b, err := json.Marshal(text)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write("data: %s\n\n", b)
}

func (s *sseSession) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(": %s\n\n", text)
}

// write sends one event under a write deadline so a stalled client cannot
// hold up Disconnect, which waits for an in-flight Send. The deadline is
// cleared afterwards; an idle stream has no deadline.
func (s *sseSession) write(format string, arg any) error {
	if err := s.rc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	defer s.rc.SetWriteDeadline(time.Time{})
	if _, err := fmt.Fprintf(s.w, format, arg); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (a *API) serveSSE(w http.ResponseWriter, r *http.Request) {
	sourceID, lines, err := a.sessionParams(r)
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sess := &sseSession{id: uuid.NewString(), w: w, rc: http.NewResponseController(w)}
	// Nothing is written before Subscribe succeeds, so a failure can still
	// answer with a status code.
	if err := a.hub.Subscribe(sourceID, sess, lines); err != nil {
		logError(r.Context(), fmt.Sprintf("session %s subscribe %s", sess.id, sourceID), err)
		w.Header().Del("Content-Type")
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	// Disconnect waits for an in-flight Send, so nothing writes to w after
	// this handler returns.
	defer a.hub.Disconnect(sess)
	logMsg(r.Context(), fmt.Sprintf("session %s open (sse) source=%s number=%d", sess.id, sourceID, lines))

	_ = sess.comment("ok")

	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-r.Context().Done():
			logMsg(r.Context(), fmt.Sprintf("session %s closed", sess.id))
			return
		case <-t.C:
			if err := sess.comment("ping"); err != nil {
				return
			}
		}
	}
}
