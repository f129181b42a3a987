package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/jsherman999/logtail/internal/config"
	"github.com/jsherman999/logtail/internal/watchhub"
	"github.com/jsherman999/logtail/internal/webui"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

type API struct {
	cfg      *config.Config
	hub      *watchhub.Hub
	upgrader websocket.Upgrader
}

func New(cfg *config.Config, hub *watchhub.Hub) *API {
	a := &API{cfg: cfg, hub: hub}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.API.AllowedOrigins),
	}
	return a
}

type serverDTO struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		if len(a.cfg.Auth.Users) > 0 {
			r.Use(basicAuth("logtail", a.cfg.Auth.Users))
		}

		// Source discovery for the viewer.
		r.Get("/api/servers", func(w http.ResponseWriter, r *http.Request) {
			out := []serverDTO{}
			for _, src := range a.cfg.Sources() {
				out = append(out, serverDTO{Value: src.ID, Label: src.Label})
			}
			writeJSON(w, out)
		})

		r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, a.hub.Stats())
		})

		// GET /log?serverId=app&number=100 upgrades to a websocket.
		r.Get("/log", a.serveWebSocket)

		// GET /sse/log?serverId=app&number=100 streams the same feed as SSE.
		r.Get("/sse/log", a.serveSSE)

		ui, uiErr := webui.Handler()
		if uiErr == nil {
			r.Handle("/*", ui)
		} else {
			logErrorNoCtx("web ui unavailable", uiErr)
		}
	})

	return r
}

// sessionParams validates the query before any session state exists.
func (a *API) sessionParams(r *http.Request) (string, int, error) {
	q := r.URL.Query()
	src, ok := a.cfg.Resolve(q.Get("serverId"))
	if !ok {
		return "", 0, watchhub.ErrUnknownSource
	}
	n, err := watchhub.ParseLineCount(q.Get("number"))
	if err != nil {
		return "", 0, err
	}
	return src.ID, n, nil
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, watchhub.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, watchhub.ErrInvalidLineCount):
		return http.StatusBadRequest
	case errors.Is(err, watchhub.ErrAlreadySubscribed):
		return http.StatusConflict
	case errors.Is(err, watchhub.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	_ = json.NewEncoder(w).Encode(v)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		// gorilla's default: same origin only.
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
