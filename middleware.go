package main

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey = contextKey("request-id")

	// forwardedLogKey marks requests made by the log forwarder itself, so
	// their own request logs are not forwarded again.
	forwardedLogKey = contextKey("forwarded-log")
)

// forwardedLogHeader is set on every request the log forwarder sends.
const forwardedLogHeader = "X-Webhook-Tester-Log"

// responseRecorder wraps http.ResponseWriter to capture the status code
// Go's ResponseWriter doesn't expose the status after WriteHeader is called,
// so we wrap it to intercept and store the value
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before passing it through
func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// requestIDMiddleware propagates X-Request-ID or generates one, and stores it
// in the request context for the request log.
func requestIDMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		if r.Header.Get(forwardedLogHeader) != "" {
			ctx = context.WithValue(ctx, forwardedLogKey, true)
		}

		next(w, r.WithContext(ctx))
	}
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func isForwardedLog(ctx context.Context) bool {
	v, _ := ctx.Value(forwardedLogKey).(bool)
	return v
}

// loggingMiddleware logs every request and records Prometheus metrics
func loggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &responseRecorder{
			ResponseWriter: w,
			statusCode:     200, // default if WriteHeader isn't called
		}

		next(recorder, r)

		duration := time.Since(start)

		// Normalize path for metrics to avoid high cardinality
		// /api/hooks/3f2a... -> /api/hooks/:id
		metricPath := normalizePath(r.URL.Path)

		slog.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.statusCode,
			"latency_ms", duration.Milliseconds(),
			"client_ip", clientIP(r),
			"user_agent", r.UserAgent(),
			"request_id", requestIDFrom(r.Context()),
		)

		httpRequestsTotal.WithLabelValues(
			r.Method,
			metricPath,
			strconv.Itoa(recorder.statusCode),
		).Inc()

		httpRequestDuration.WithLabelValues(
			r.Method,
			metricPath,
		).Observe(duration.Seconds())
	}
}

// basicAuthGuard protects the dashboard and API when auth.username is set.
func basicAuthGuard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if settings == nil || !settings.Auth.Enabled() {
			next(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(settings.Auth.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(settings.Auth.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="webhook-tester", charset="UTF-8"`)
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// rateLimitMiddleware applies the receiver rate limit per client IP.
// Limiter failures let the request through.
func rateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed, err := limiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			slog.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
			allowed = true
		}
		if !allowed {
			rateLimitedTotal.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// clientIP is the remote address without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// normalizePath replaces dynamic path segments with placeholders
// This prevents high cardinality in Prometheus metrics
// Example: /api/hooks/3f2a... -> /api/hooks/:id, /hooks/github -> /hooks/:topic
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/api/hooks/") {
		parts := strings.Split(path, "/")
		// ["", "api", "hooks", "<id>"]
		if len(parts) == 4 && parts[3] != "" && parts[3] != "reset" {
			return "/api/hooks/:id"
		}
		return path
	}

	receiver := receiverPath()
	if strings.HasPrefix(path, receiver+"/") && len(path) > len(receiver)+1 {
		return receiver + "/:topic"
	}
	return path
}
