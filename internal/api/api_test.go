package api

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/jsherman999/logtail/internal/config"
	"github.com/jsherman999/logtail/internal/watchhub"
)

type testServer struct {
	*httptest.Server
	dir string
	hub *watchhub.Hub
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{"app.log": "one\ntwo\nthree\n", "db.log": ""} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := &config.Config{Files: map[string]config.Source{
		"app": {Label: "Application", Path: filepath.Join(dir, "app.log")},
		"db":  {Label: "Database", Path: filepath.Join(dir, "db.log")},
	}}
	cfg.Watcher.PollInterval = time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	if err := config.Normalize(cfg); err != nil {
		t.Fatal(err)
	}
	hub := watchhub.New(cfg, watchhub.OptionsFromConfig(cfg))
	srv := httptest.NewServer(New(cfg, hub).Router())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return &testServer{Server: srv, dir: dir, hub: hub}
}

func (s *testServer) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/log?" + query
}

func (s *testServer) appendLog(t *testing.T, name, text string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// readUntil accumulates text frames until the concatenation equals want.
func readUntil(t *testing.T, conn *websocket.Conn, got *strings.Builder, want string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for got.String() != want {
		if !strings.HasPrefix(want, got.String()) {
			t.Fatalf("received %q, want prefix of %q", got.String(), want)
		}
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (so far %q)", err, got.String())
		}
		if typ != websocket.TextMessage {
			t.Fatalf("message type %d, want text", typ)
		}
		got.Write(msg)
	}
}

func TestServers(t *testing.T) {
	s := newTestServer(t, nil)
	resp, err := http.Get(s.URL + "/api/servers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type %q", ct)
	}
	var got []serverDTO
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := []serverDTO{{Value: "app", Label: "Application"}, {Value: "db", Label: "Database"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("servers (-want +got):\n%s", diff)
	}
}

func TestWebSocketBacklogThenLive(t *testing.T) {
	s := newTestServer(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL("serverId=app&number=3"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var got strings.Builder
	readUntil(t, conn, &got, "two\nthree\n")

	s.appendLog(t, "app.log", "four\n")
	readUntil(t, conn, &got, "two\nthree\nfour\n")

	stats := s.hub.Stats()
	if len(stats) != 1 || stats[0].ID != "app" || stats[0].Subscribers != 1 {
		t.Errorf("stats = %+v", stats)
	}

	conn.Close()
	waitFor(t, "watcher teardown", func() bool { return len(s.hub.Stats()) == 0 })
}

func TestWebSocketTwoViewers(t *testing.T) {
	s := newTestServer(t, nil)
	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		c, _, err := websocket.DefaultDialer.Dial(s.wsURL("serverId=db&number=0"), nil)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		conns = append(conns, c)
	}
	waitFor(t, "both subscribed", func() bool {
		st := s.hub.Stats()
		return len(st) == 1 && st[0].Subscribers == 2
	})

	s.appendLog(t, "db.log", "ünïcode line\n")
	for _, c := range conns {
		var got strings.Builder
		readUntil(t, c, &got, "ünïcode line\n")
	}
}

func TestWebSocketRejects(t *testing.T) {
	s := newTestServer(t, nil)
	cases := map[string]int{
		"serverId=nope&number=5": http.StatusNotFound,
		"number=5":               http.StatusNotFound,
		"serverId=app":           http.StatusBadRequest,
		"serverId=app&number=x":  http.StatusBadRequest,
		"serverId=app&number=-1": http.StatusBadRequest,
	}
	for q, status := range cases {
		_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(q), nil)
		if err == nil {
			t.Errorf("%s: dial succeeded", q)
			continue
		}
		if resp == nil || resp.StatusCode != status {
			t.Errorf("%s: response %v, want status %d", q, resp, status)
		}
	}
	if st := s.hub.Stats(); len(st) != 0 {
		t.Errorf("rejected sessions left state: %+v", st)
	}
}

func TestSSE(t *testing.T) {
	s := newTestServer(t, nil)
	resp, err := http.Get(s.URL + "/sse/log?serverId=app&number=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	events := make(chan string, 16)
	go func() {
		r := bufio.NewReader(resp.Body)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(events)
				return
			}
			if data, ok := strings.CutPrefix(strings.TrimSuffix(line, "\n"), "data: "); ok {
				var text string
				if json.Unmarshal([]byte(data), &text) == nil {
					events <- text
				}
			}
		}
	}()

	var got strings.Builder
	want := "three\n"
	read := func() {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream ended")
			}
			got.WriteString(ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, got %q", got.String())
		}
	}
	for got.String() != want {
		read()
	}

	s.appendLog(t, "app.log", "four\r\nfive\n")
	want += "four\r\nfive\n"
	for got.String() != want {
		read()
	}
}

func TestSSERejectsUnknownSource(t *testing.T) {
	s := newTestServer(t, nil)
	resp, err := http.Get(s.URL + "/sse/log?serverId=nope&number=2")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d", resp.StatusCode)
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, func(c *config.Config) {
		c.Auth.Users = map[string]string{"admin": string(hash)}
	})

	get := func(path, user, pass string) int {
		req, _ := http.NewRequest(http.MethodGet, s.URL+path, nil)
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := get("/healthz", "", ""); got != http.StatusOK {
		t.Errorf("healthz: %d", got)
	}
	if got := get("/api/servers", "", ""); got != http.StatusUnauthorized {
		t.Errorf("no credentials: %d", got)
	}
	if got := get("/api/servers", "admin", "wrong"); got != http.StatusUnauthorized {
		t.Errorf("wrong password: %d", got)
	}
	if got := get("/api/servers", "nobody", "s3cret"); got != http.StatusUnauthorized {
		t.Errorf("unknown user: %d", got)
	}
	if got := get("/api/servers", "admin", "s3cret"); got != http.StatusOK {
		t.Errorf("valid credentials: %d", got)
	}
}

func TestWebUI(t *testing.T) {
	s := newTestServer(t, nil)
	for path, want := range map[string]string{
		"/":          "text/html",
		"/app":       "text/html",
		"/app.js":    "javascript",
		"/style.css": "text/css",
	} {
		resp, err := http.Get(s.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), want) {
			t.Errorf("%s: status %d content type %q", path, resp.StatusCode, resp.Header.Get("Content-Type"))
		}
	}
}

type deadlineRecorder struct {
	*httptest.ResponseRecorder
	deadlines []time.Time
}

func (d *deadlineRecorder) SetWriteDeadline(t time.Time) error {
	d.deadlines = append(d.deadlines, t)
	return nil
}

func TestSSESendUsesWriteDeadline(t *testing.T) {
	rec := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder()}
	sess := &sseSession{id: "s", w: rec, rc: http.NewResponseController(rec)}

	before := time.Now()
	if err := sess.Send("a\r\nb"); err != nil {
		t.Fatal(err)
	}
	if got, want := rec.Body.String(), "data: \"a\\r\\nb\"\n\n"; got != want {
		t.Errorf("body %q, want %q", got, want)
	}
	if !rec.Flushed {
		t.Error("event was not flushed")
	}
	if len(rec.deadlines) != 2 {
		t.Fatalf("deadlines = %v, want set then cleared", rec.deadlines)
	}
	if rec.deadlines[0].Before(before.Add(writeWait)) {
		t.Errorf("deadline %v is earlier than %v", rec.deadlines[0], before.Add(writeWait))
	}
	if !rec.deadlines[1].IsZero() {
		t.Errorf("deadline not cleared: %v", rec.deadlines[1])
	}
}
