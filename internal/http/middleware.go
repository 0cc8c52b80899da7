package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/pickup-matching/internal/observability"
)

type ctxKey int

const ridKey ctxKey = iota

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recovery)
	s.mux.Use(tagRequestID)
	s.mux.Use(s.instrument)
}

// tagRequestID honors an inbound X-Request-ID and mints one otherwise,
// echoing it back so clients can correlate.
func tagRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = newID()
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ridKey, rid)))
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		code := strconv.Itoa(sw.code)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())

		s.logger.Info("http_request",
			"method", r.Method,
			"route", route,
			"status", sw.code,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", clientAddr(r),
			"request_id", requestID(r.Context()),
		)
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "error", rec, "request_id", requestID(r.Context()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func requestID(ctx context.Context) string {
	rid, _ := ctx.Value(ridKey).(string)
	return rid
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
