package server

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/hanzoai/bot/internal"
	"github.com/hanzoai/bot/internal/tenant"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, apiError("internal server error", "api_error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

const requestIDHeader = "X-Request-Id"

// requestID adds a UUID v7 request ID to the context and response header.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// cors answers preflight requests and attaches CORS headers for allowed
// browser origins. Requests without an Origin header pass through untouched.
func (s *server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowed := s.deps.Origins == nil || s.deps.Origins.Check(r.Host, originHeader) == ""
		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", originHeader)
			h.Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// maxBody caps request body reads; oversized bodies surface as 413 when the
// handler's JSON decode hits the limit.
func (s *server) maxBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// bearerFromRequest extracts the caller credential from the Authorization
// header, falling back to the token query parameter (WebSocket upgrades from
// browsers cannot set headers).
func bearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok := strings.TrimPrefix(h, "Bearer "); tok != h {
			return tok
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return r.URL.Query().Get("access_token")
}

// tenantParamsFromRequest pulls optional tenant connect parameters.
func tenantParamsFromRequest(r *http.Request) tenant.Params {
	q := r.URL.Query()
	return tenant.Params{
		OrgID:     q.Get("orgId"),
		ProjectID: q.Get("projectId"),
		Env:       q.Get("env"),
	}
}

// authenticate runs the connection authorizer and injects identity and tenant
// into the request context.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.deps.Authorizer.Authorize(r.Context(), r, bearerFromRequest(r), tenantParamsFromRequest(r))
		if err != nil {
			s.writeAuthError(w, err)
			return
		}
		ctx := r.Context()
		if res.Identity != nil {
			ctx = gateway.ContextWithIdentity(ctx, res.Identity)
		}
		if res.Tenant != nil {
			ctx = gateway.ContextWithTenant(ctx, res.Tenant)
		}
		if ctx == r.Context() {
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// writeAuthError maps an authorization failure onto the wire.
func (s *server) writeAuthError(w http.ResponseWriter, err error) {
	reason := err.Error()
	if s.deps.Metrics != nil {
		s.deps.Metrics.AuthRejects.WithLabelValues(reason).Inc()
	}
	status := http.StatusUnauthorized
	if reason == gateway.ReasonRateLimited {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, authErrorBody(reason))
}

// handleMethodNotAllowed writes 405 with an Allow header for the route.
func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	allow := "GET, OPTIONS"
	switch r.URL.Path {
	case "/v1/chat/completions", "/auth/refresh", "/auth/logout":
		allow = "POST, OPTIONS"
	}
	w.Header().Set("Allow", allow)
	writeJSON(w, http.StatusMethodNotAllowed, apiError("method not allowed", "invalid_request_error"))
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements
// http.Flusher, so SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack delegates to the underlying ResponseWriter so WebSocket upgrades
// work through middleware.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := sw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("server: underlying ResponseWriter does not support hijacking")
}

// Unwrap returns the underlying ResponseWriter, allowing
// http.ResponseController and similar utilities to find implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
