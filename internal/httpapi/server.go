package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"presencebot/internal/metrics"
	"presencebot/internal/vault"
	logx "presencebot/pkg/logx"
)

const CallbackPath = "/oauth/callback"

// Authorizer completes the browser half of the link flow.
type Authorizer interface {
	VerifyPendingAuthorization(ctx context.Context, token string) (requesterID string, ok bool)
	CompleteAuthorization(ctx context.Context, code, requesterID string) (vault.Linked, error)
}

type Config struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Options struct {
	Auth    Authorizer
	Metrics *metrics.Metrics
	Log     logx.Logger
	Now     func() time.Time
	// OnLinked runs after a successful link, detached from the request.
	OnLinked func(ctx context.Context, requesterID string, l vault.Linked)
}

// Server serves the redirect callback, health and metrics endpoints.
type Server struct {
	cfg     Config
	opts    Options
	log     logx.Logger
	started time.Time

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Server{cfg: cfg, opts: opts, log: opts.Log, started: opts.Now()}
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+CallbackPath, s.handleCallback)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found"})
	})
	return s.opts.Metrics.InstrumentHandler(mux)
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = ":3000"
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("http server started", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr reports the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	s.log.Info("http server stopped")
	return err
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = upstreamErr
		}
		s.log.Info("authorization denied upstream", logx.String("error", upstreamErr))
		writePage(w, http.StatusBadRequest, "Authorization Failed", desc)
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writePage(w, http.StatusBadRequest, "Missing Parameters", "The authorization response did not include a code and state.")
		return
	}

	requesterID, ok := s.opts.Auth.VerifyPendingAuthorization(r.Context(), state)
	if !ok {
		writePage(w, http.StatusBadRequest, "Invalid Session", "Your session has expired. Please use /link again.")
		return
	}

	linked, err := s.opts.Auth.CompleteAuthorization(r.Context(), code, requesterID)
	if err != nil {
		desc := "The account could not be linked. Please try again."
		var xe *vault.ExchangeError
		if errors.As(err, &xe) && xe.Description != "" {
			desc = xe.Description
		}
		s.log.Warn("authorization exchange failed", logx.String("requester_id", requesterID), logx.Err(err))
		writePage(w, http.StatusInternalServerError, "Error Linking Account", desc)
		return
	}

	s.log.Info("account linked",
		logx.String("requester_id", requesterID),
		logx.String("external_id", linked.ExternalID),
		logx.Bool("created", linked.Created),
	)
	if s.opts.OnLinked != nil {
		go s.opts.OnLinked(context.WithoutCancel(r.Context()), requesterID, linked)
	}
	name := linked.DisplayName
	if name == "" {
		name = linked.ExternalID
	}
	writePage(w, http.StatusOK, "Linked Successfully!", name+" has been linked. You can close this window and return to Telegram.")
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Timestamp     string  `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.opts.Now()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: now.Sub(s.started).Seconds(),
		Timestamp:     now.UTC().Format(time.RFC3339),
	})
}

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family:sans-serif;text-align:center;padding:48px">
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

func writePage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = page.Execute(w, struct{ Title, Message string }{title, message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
