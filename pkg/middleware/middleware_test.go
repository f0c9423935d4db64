package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/blobkit/proxy/pkg/metrics"
	"github.com/blobkit/proxy/pkg/ratelimit"
)

// ============================================================================
// Signature Verification Tests
// ============================================================================

func sign(secret, ts, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%s:%s:%s", ts, nonce, string(body))))
	return "v1:" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_ValidSignaturePasses(t *testing.T) {
	secret := "a-shared-secret-at-least-32-bytes-long"
	body := []byte(`{"jobId":"0xabc"}`)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := "nonce-1"
	sig := sign(secret, ts, nonce, body)

	if err := verifySignature(secret, sig, ts, nonce, body); err != nil {
		t.Fatalf("expected valid signature to pass, got: %v", err)
	}
}

func TestVerifySignature_WrongSecretFails(t *testing.T) {
	body := []byte(`{"jobId":"0xabc"}`)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := "nonce-1"
	sig := sign("secret-a-that-is-32-bytes-long!!", ts, nonce, body)

	if err := verifySignature("secret-b-that-is-32-bytes-long!!", sig, ts, nonce, body); err == nil {
		t.Fatal("expected signature mismatch to fail")
	}
}

func TestVerifySignature_MissingVersionPrefixFails(t *testing.T) {
	secret := "a-shared-secret-at-least-32-bytes-long"
	body := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	if err := verifySignature(secret, "deadbeef", ts, "nonce", body); err == nil {
		t.Fatal("expected missing v1: prefix to fail")
	}
}

func TestVerifySignature_StaleTimestampFails(t *testing.T) {
	secret := "a-shared-secret-at-least-32-bytes-long"
	body := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).UnixMilli(), 10)
	sig := sign(secret, ts, "nonce", body)

	if err := verifySignature(secret, sig, ts, "nonce", body); err == nil {
		t.Fatal("expected a timestamp outside the skew window to fail")
	}
}

func TestVerifySignature_FutureTimestampFails(t *testing.T) {
	secret := "a-shared-secret-at-least-32-bytes-long"
	body := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().Add(10*time.Minute).UnixMilli(), 10)
	sig := sign(secret, ts, "nonce", body)

	if err := verifySignature(secret, sig, ts, "nonce", body); err == nil {
		t.Fatal("expected a future timestamp outside the skew window to fail")
	}
}

func TestVerifySignature_TamperedBodyFails(t *testing.T) {
	secret := "a-shared-secret-at-least-32-bytes-long"
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := sign(secret, ts, "nonce", []byte(`{"jobId":"0xabc"}`))

	if err := verifySignature(secret, sig, ts, "nonce", []byte(`{"jobId":"0xdef"}`)); err == nil {
		t.Fatal("expected a tampered body to fail verification")
	}
}

func TestVerifySignatureMiddleware_RejectsMissingHeaders(t *testing.T) {
	handler := VerifySignature("a-shared-secret-at-least-32-bytes-long")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be invoked on signature failure")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/blob/write", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestVerifySignatureMiddleware_AcceptsValidRequestAndRestoresBody(t *testing.T) {
	secret := "a-shared-secret-at-least-32-bytes-long"
	body := []byte(`{"jobId":"0xabc"}`)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := sign(secret, ts, "nonce-1", body)

	var bodySeenByHandler []byte
	handler := VerifySignature(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, len(body))
		n, _ := r.Body.Read(buf)
		bodySeenByHandler = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/blob/write", bytes.NewReader(body))
	req.Header.Set("X-BlobKit-Signature", sig)
	req.Header.Set("X-BlobKit-Timestamp", ts)
	req.Header.Set("X-BlobKit-Nonce", "nonce-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !bytes.Equal(bodySeenByHandler, body) {
		t.Errorf("expected handler to see the original body, got %q", bodySeenByHandler)
	}
}

// ============================================================================
// Tracing Tests
// ============================================================================

func TestTracing_GeneratesTraceIDWhenAbsent(t *testing.T) {
	handler := Tracing(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if TraceID(r.Context()) == "" {
			t.Error("expected non-empty trace ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Trace-Id") == "" {
		t.Error("expected X-Trace-Id response header to be set")
	}
}

func TestTracing_PropagatesExistingTraceID(t *testing.T) {
	handler := Tracing(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Trace-Id", "fixed-trace-id")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Trace-Id"); got != "fixed-trace-id" {
		t.Errorf("expected propagated trace ID, got %s", got)
	}
}

// ============================================================================
// Metrics Stage Tests
// ============================================================================

func TestMetrics_RecordsRequestsTotal(t *testing.T) {
	reg := metrics.New()
	handler := Metrics(reg, "write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/blob/write", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}

	families, err := reg.Registerer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != "blobkit_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	if total != 1 {
		t.Errorf("expected blobkit_http_requests_total to be 1, got %v", total)
	}
}

// ============================================================================
// Rate Limit Stage Tests
// ============================================================================

func TestRateLimit_RejectsOverBudget(t *testing.T) {
	limiter := ratelimit.New(1, time.Minute, 0)
	handler := RateLimit(limiter, 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/blob/write", nil)
	req.RemoteAddr = "203.0.113.1:5555"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", second.Code)
	}
}
