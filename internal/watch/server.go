package watch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Config controls the watch server.
type Config struct {
	Log     zerolog.Logger
	Port    int
	DevMode bool // relaxes the websocket origin check for local tooling
}

// Server exposes the Hub over one websocket route.
type Server struct {
	router *chi.Mux
	server *http.Server
	hub    *Hub
	log    zerolog.Logger
}

// New builds a Server bound to its own Hub.
func New(cfg Config) *Server {
	hub := NewHub(cfg.Log)
	s := &Server{
		router: chi.NewRouter(),
		hub:    hub,
		log:    cfg.Log.With().Str("component", "watch_server").Logger(),
	}

	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.router.Get("/watch", func(w http.ResponseWriter, r *http.Request) {
		s.handleWatch(w, r, cfg.DevMode)
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // a push connection is held open indefinitely
		IdleTimeout:  0,
	}
	return s
}

// Hub exposes the underlying Hub so cmd/trustd can wire the poller's
// OutcomeSink to it.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, devMode bool) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: devMode,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	s.log.Info().Str("remote", r.RemoteAddr).Msg("watch subscriber connected")
	s.hub.Accept(r.Context(), conn)
}

// Start runs the watch server until it errors or is shut down.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting watch server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the watch server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down watch server")
	return s.server.Shutdown(ctx)
}
