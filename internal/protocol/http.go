package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const (
	maxRequestBytes   = 1 << 20
	sseClientBuffer   = 64
	defaultHeartbeat  = 15 * time.Second
	eventStreamHeader = "text/event-stream; charset=utf-8"
)

// HTTPOption configures the HTTP handler.
type HTTPOption func(*httpHandler)

// WithJWTSecret requires an HS256 bearer token on every route but /healthz.
func WithJWTSecret(secret string) HTTPOption {
	return func(h *httpHandler) {
		if secret != "" {
			h.secret = []byte(secret)
		}
	}
}

// WithRateLimit limits requests to r per second with the given burst. r <= 0 disables it.
func WithRateLimit(r float64, burst int) HTTPOption {
	return func(h *httpHandler) {
		if r > 0 {
			h.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithHeartbeat sets the interval of SSE keep-alive comments.
func WithHeartbeat(d time.Duration) HTTPOption {
	return func(h *httpHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(h *httpHandler) {
		h.logger = logger
	}
}

type httpHandler struct {
	server    *Server
	notifier  *Notifier
	secret    []byte
	limiter   *rate.Limiter
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewHTTPHandler serves POST /rpc, GET /events and GET /healthz.
// notifier may be nil, in which case /events is not served.
func NewHTTPHandler(server *Server, notifier *Notifier, options ...HTTPOption) http.Handler {
	h := &httpHandler{
		server:    server,
		notifier:  notifier,
		heartbeat: defaultHeartbeat,
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(h)
	}
	h.logger = h.logger.With("component", "protocol.http")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.Handle("POST /rpc", h.guard(http.HandlerFunc(h.rpc)))
	if notifier != nil {
		mux.Handle("GET /events", h.guard(http.HandlerFunc(h.events)))
	}
	return mux
}

// guard applies the rate limit, then authentication.
func (h *httpHandler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		if h.secret != nil {
			if err := h.authenticate(r); err != nil {
				h.logger.Warn("unauthorized request", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="dragonpilot"`)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *httpHandler) authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return errors.New("missing bearer token")
	}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			return h.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !parsed.Valid {
		return errors.New("invalid token")
	}
	return nil
}

func (h *httpHandler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *httpHandler) rpc(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		resp, _ := json.Marshal(errorResponse(nullID, protocolError(CodeInvalidRequest, "request too large", err)))
		writeRaw(w, http.StatusRequestEntityTooLarge, resp)
		return
	}
	out := h.server.Handle(r.Context(), body)
	if out == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeRaw(w, http.StatusOK, out)
}

// events streams progress notifications as server-sent events until the client goes away.
func (h *httpHandler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", eventStreamHeader)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	queue := make(chan Notification, sseClientBuffer)
	detach := h.notifier.Attach(func(n Notification) {
		select {
		case queue <- n:
		default:
			h.logger.Warn("dropping progress notification for slow client", "remote", r.RemoteAddr)
		}
	})
	defer detach()

	if _, err := fmt.Fprint(w, "event: ready\ndata: {}\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case n := <-queue:
			data, err := json.Marshal(n)
			if err != nil {
				h.logger.Error("failed to encode notification", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, data)
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
