package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/franckalain/ukcal/internal/analysis"
	"github.com/franckalain/ukcal/internal/backup"
	"github.com/franckalain/ukcal/internal/database"
	"github.com/franckalain/ukcal/internal/history"
	"github.com/franckalain/ukcal/internal/logger"
	"github.com/franckalain/ukcal/internal/ml"
	"github.com/franckalain/ukcal/internal/profile"
	"github.com/franckalain/ukcal/internal/session"
)

const (
	writeWait       = 10 * time.Second
	maxMessageSize  = 64 << 20
	shutdownTimeout = 10 * time.Second
	sendBufferSize  = 256
)

// Options holds the collaborators shared by all connections
type Options struct {
	Records  database.Records
	Store    database.Store
	Analyzer analysis.Analyzer
	// Results re-fetches finished jobs for overlay refreshes; when nil the
	// analyzer is used if it can
	Results   analysis.ResultsFetcher
	Fallback  ml.Model
	Postcodes profile.Lookup
	Backup    backup.Backup
	Tokens    *session.Tokens

	StaticDir       string
	MediaDir        string
	AllowedOrigins  []string
	AnalysisTimeout time.Duration
	FlushInterval   time.Duration
	Logger          *logger.Logger
}

// Server exposes the app over a WebSocket message API. Each connection is
// one app instance with its own session and history store; the local store,
// event bus and remote clients are shared.
type Server struct {
	opts     Options
	bus      *history.Bus
	profiles *profile.Service
	upgrader websocket.Upgrader
	clients  sync.Map
	log      *logger.Logger
}

// New creates a server
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Backup == nil {
		opts.Backup = backup.NopBackup{}
	}
	if opts.Results == nil {
		if f, ok := opts.Analyzer.(analysis.ResultsFetcher); ok {
			opts.Results = f
		}
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.MediaDir == "" {
		opts.MediaDir = "./media"
	}
	log := opts.Logger.WithComponent("server")

	s := &Server{
		opts:     opts,
		bus:      history.NewBus(),
		profiles: profile.NewService(opts.Records, opts.Store, opts.Postcodes, opts.Logger),
		log:      log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP routes wrapped in CORS
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.opts.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.opts.StaticDir)))
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: !allowsAny(s.opts.AllowedOrigins),
	})
	return c.Handler(mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully and closes open connections
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down server", "clients", s.ClientCount())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeClients()
	return err
}

// ClientCount returns the number of open connections
func (s *Server) ClientCount() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.New().String()
	c := newClient(s, id, conn)
	s.clients.Store(id, c)
	defer s.clients.Delete(id)

	c.serve()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) closeClients() {
	s.clients.Range(func(_, v any) bool {
		v.(*client).close()
		return true
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || allowsAny(s.opts.AllowedOrigins) {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	s.log.Warn("rejected websocket origin", "origin", origin)
	return false
}

func allowsAny(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
