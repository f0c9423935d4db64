// Package middleware implements the request pipeline applied to
// POST /write in its fixed order: tracing, metrics, rate limit, request
// signature, body validation, handler. Wired as net/http middleware
// functions in pkg/server's router.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blobkit/proxy/pkg/apierr"
	"github.com/blobkit/proxy/pkg/metrics"
	"github.com/blobkit/proxy/pkg/ratelimit"
)

type contextKey string

const (
	traceIDKey contextKey = "traceId"
	spanIDKey  contextKey = "spanId"
)

// TraceID reads the request-scoped trace ID attached by Tracing.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// Tracing derives or generates traceId/spanId, attaching both to the
// request context and the response headers.
func Tracing(logger *log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.New(log.Writer(), "[Tracing] ", log.LstdFlags)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-Id")
			if traceID == "" {
				traceID = uuid.New().String()
			}
			spanID := uuid.New().String()

			w.Header().Set("X-Trace-Id", traceID)
			w.Header().Set("X-Span-Id", spanID)

			ctx := context.WithValue(r.Context(), traceIDKey, traceID)
			ctx = context.WithValue(ctx, spanIDKey, spanID)

			logger.Printf("trace=%s span=%s %s %s", traceID, spanID, r.Method, r.URL.Path)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// statusRecorder captures the status code written by the handler so
// Metrics can label the completed request.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Metrics counts requests in and observes duration out against the
// Metrics Registry (K).
func Metrics(reg *metrics.Registry, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			reg.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			reg.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

// RateLimit enforces the per-client token bucket, returning
// 429 RATE_LIMIT_EXCEEDED on exhaustion.
func RateLimit(limiter *ratelimit.Limiter, proxyCount int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ratelimit.ClientKey(r, proxyCount)
			if !limiter.Allow(key) {
				apierr.WriteError(w, apierr.New(apierr.KindRateLimitExceeded, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const signatureSkew = 5 * time.Minute

// VerifySignature validates the shared-secret request signature:
// HMAC-SHA256 over "${timestamp}:${nonce}:${canonicalBody}", prefixed
// "v1:", rejecting on timestamp skew, version mismatch, length
// mismatch, or a failed constant-time comparison. Headers:
// X-BlobKit-Signature, X-BlobKit-Timestamp (unix ms), X-BlobKit-Nonce.
func VerifySignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sigHeader := r.Header.Get("X-BlobKit-Signature")
			tsHeader := r.Header.Get("X-BlobKit-Timestamp")
			nonce := r.Header.Get("X-BlobKit-Nonce")

			body, err := readAndRestoreBody(r)
			if err != nil {
				apierr.WriteError(w, apierr.New(apierr.KindInvalidRequest, "failed to read request body"))
				return
			}

			if err := verifySignature(secret, sigHeader, tsHeader, nonce, body); err != nil {
				apierr.WriteError(w, apierr.New(apierr.KindInvalidRequest, err.Error()).WithStatus(http.StatusUnauthorized))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func verifySignature(secret, sigHeader, tsHeader, nonce string, body []byte) error {
	const prefix = "v1:"
	if !strings.HasPrefix(sigHeader, prefix) {
		return fmt.Errorf("signature version prefix mismatch")
	}
	providedHex := strings.TrimPrefix(sigHeader, prefix)

	tsMillis, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request timestamp")
	}
	skew := time.Since(time.UnixMilli(tsMillis))
	if skew < 0 {
		skew = -skew
	}
	if skew > signatureSkew {
		return fmt.Errorf("request timestamp skew exceeds allowed window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%s:%s:%s", tsHeader, nonce, string(body))))
	expected := mac.Sum(nil)
	expectedHex := hex.EncodeToString(expected)

	if len(providedHex) != len(expectedHex) {
		return fmt.Errorf("signature length mismatch")
	}
	if subtle.ConstantTimeCompare([]byte(providedHex), []byte(expectedHex)) != 1 {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
