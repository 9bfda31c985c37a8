package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"tgrelay/internal/notifier"
	"tgrelay/internal/observability"
	"tgrelay/internal/relay"
	rtsup "tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/storage"
	logx "tgrelay/pkg/logx"
)

// Config controls the local HTTP surface.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const DefaultAddr = "127.0.0.1:9480"

// Relay is the part of notifier.Service the intake endpoints use.
type Relay interface {
	Notify(ctx context.Context, text string, buffered bool) relay.Result
	Flush(ctx context.Context, trigger notifier.Trigger) relay.Result
	History() []notifier.HistoryItem
	Pending() int
}

// Deps are the collaborators served over HTTP. Metrics and Journal are optional.
type Deps struct {
	Relay   Relay
	Metrics *observability.Metrics
	Journal storage.Store
	// Health adds fields to /healthz.
	Health func() map[string]any
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	addr string
	sup  *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.Comp("server"))}
}

// Addr is the bound listener address, empty until the server listens.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start runs the server under a restart loop. It is idempotent and a no-op
// when disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("server stop", logx.Err(err))
	}
	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	s.log.Info("server stopped")
}

var errInsecureBind = errors.New("server refused to start: insecure bind")

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	loopback := isLoopbackAddr(addr)
	if !loopback && cur.Token == "" {
		if !cur.AllowInsecure {
			s.log.Error("non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return errInsecureBind
		}
		s.log.Warn("serving without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	bound := ln.Addr().String()
	s.mu.Lock()
	s.addr = bound
	s.mu.Unlock()
	s.log.Info("server started", logx.String("addr", bound), logx.Bool("token_set", cur.Token != ""), logx.Bool("pprof", cur.Pprof))

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("server exited unexpectedly")
	}
	return err
}

// Handler builds the routed, authenticated mux.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	deps := s.deps
	s.mu.Unlock()

	mux := http.NewServeMux()
	handle := func(pattern, path string, h http.HandlerFunc, auth bool) {
		var hh http.Handler = h
		if auth {
			hh = withAuth(cur.Token, hh)
		}
		mux.Handle(pattern, deps.Metrics.Middleware(path, hh))
	}

	handle("GET /healthz", "/healthz", s.handleHealth, false)
	handle("POST /v1/notify", "/v1/notify", s.handleNotify, true)
	handle("POST /v1/flush", "/v1/flush", s.handleFlush, true)
	handle("GET /v1/history", "/v1/history", s.handleHistory, true)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", withAuth(cur.Token, deps.Metrics.Handler()))
	}
	if cur.Pprof {
		mux.Handle("/debug/pprof/", withAuth(cur.Token, http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", withAuth(cur.Token, http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", withAuth(cur.Token, http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", withAuth(cur.Token, http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", withAuth(cur.Token, http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

type resultResponse struct {
	Outcome string `json:"outcome"`
	Result  string `json:"result"`
	Count   int    `json:"count"`
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Relay != nil {
		body["pending"] = s.deps.Relay.Pending()
	}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type notifyRequest struct {
	Text     string `json:"text"`
	Buffered *bool  `json:"buffered,omitempty"`
}

func (s *Service) handleNotify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Relay == nil {
		http.Error(w, "relay not available", http.StatusServiceUnavailable)
		return
	}
	req, err := decodeNotify(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	buffered := req.Buffered == nil || *req.Buffered
	s.writeResult(w, s.deps.Relay.Notify(intakeContext(r), req.Text, buffered))
}

func (s *Service) handleFlush(w http.ResponseWriter, r *http.Request) {
	if s.deps.Relay == nil {
		http.Error(w, "relay not available", http.StatusServiceUnavailable)
		return
	}
	s.writeResult(w, s.deps.Relay.Flush(intakeContext(r), notifier.TriggerManual))
}

// intakeContext detaches from client cancellation: a hung-up client must not
// abort a flush that carries other producers' messages. The sink timeout
// still bounds the call.
func intakeContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if r.URL.Query().Get("source") == "journal" {
		if s.deps.Journal == nil {
			http.Error(w, storage.ErrDisabled.Error(), http.StatusNotFound)
			return
		}
		recs, err := s.deps.Journal.RecentFlushes(r.Context(), limit)
		if err != nil {
			s.log.Warn("journal read failed", logx.Err(err))
			http.Error(w, "journal read failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}

	var items []notifier.HistoryItem
	if s.deps.Relay != nil {
		items = s.deps.Relay.History()
	}
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	if items == nil {
		items = []notifier.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func decodeNotify(w http.ResponseWriter, r *http.Request) (notifyRequest, error) {
	var req notifyRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return req, errors.New("invalid json body")
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := r.ParseForm(); err != nil {
			return req, errors.New("invalid form body")
		}
		req.Text = r.Form.Get("text")
		if v := r.Form.Get("buffered"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return req, errors.New("buffered must be a boolean")
			}
			req.Buffered = &b
		}
	}
	if req.Text == "" {
		return req, errors.New("text is required")
	}
	return req, nil
}

func (s *Service) writeResult(w http.ResponseWriter, res relay.Result) {
	status := http.StatusOK
	switch {
	case errors.Is(res.Err, notifier.ErrStopped):
		status = http.StatusServiceUnavailable
	case res.Outcome == relay.Failed:
		status = http.StatusBadGateway
	case res.Outcome == relay.Queued:
		status = http.StatusAccepted
	}
	writeJSON(w, status, resultResponse{
		Outcome: res.Outcome.String(),
		Result:  res.String(),
		Count:   res.Count,
		Pending: s.deps.Relay.Pending(),
		Error:   res.Reason(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
