package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/quotefleet/rpatrack/internal/ratelimit"
	"github.com/quotefleet/rpatrack/pkg/auth"
	_ "github.com/quotefleet/rpatrack/pkg/auth/static"
	"github.com/quotefleet/rpatrack/pkg/config"
)

// mockLimiter implements ratelimit.Limiter for testing
type mockLimiter struct {
	decision ratelimit.Decision
	err      error
	calls    int
}

func (m *mockLimiter) Allow(ctx context.Context, scope string, subject string, bucket ratelimit.Bucket) (ratelimit.Decision, error) {
	m.calls++
	return m.decision, m.err
}

func testContext(method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(method, path, nil)
	return ctx, rec
}

func TestWebhookCORS_Preflight(t *testing.T) {
	ctx, rec := testContext(http.MethodOptions, "/webhooks/rpa-complete")

	WebhookCORS()(ctx)

	if !ctx.IsAborted() {
		t.Fatal("expected preflight to short-circuit the chain")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty preflight body, got %q", rec.Body.String())
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestWebhookCORS_PostCarriesHeaders(t *testing.T) {
	ctx, rec := testContext(http.MethodPost, "/webhooks/rpa-complete")

	WebhookCORS()(ctx)

	if ctx.IsAborted() {
		t.Fatal("expected POST to continue down the chain")
	}
	if got := rec.Header().Get("Cache-Control"); got == "" {
		t.Fatal("expected cache-disabling headers on webhook responses")
	}
}

func TestRateLimitWebhook_DisabledBucket(t *testing.T) {
	cfg := &config.Config{}
	limiter := &mockLimiter{decision: ratelimit.Decision{Allowed: false}}

	ctx, _ := testContext(http.MethodPost, "/webhooks/rpa-complete")
	RateLimitWebhook(limiter, cfg)(ctx)

	if ctx.IsAborted() {
		t.Fatal("expected request to pass through for disabled bucket")
	}
	if limiter.calls != 0 {
		t.Fatalf("limiter called %d times for disabled bucket", limiter.calls)
	}
}

func TestRateLimitWebhook_Denied(t *testing.T) {
	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{
			Webhook: config.RateLimitBucketConfig{RequestsPerMinute: 60, BurstSize: 5},
		},
	}
	limiter := &mockLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 0}}

	ctx, rec := testContext(http.MethodPost, "/webhooks/rpa-complete")
	RateLimitWebhook(limiter, cfg)(ctx)

	if !ctx.IsAborted() {
		t.Fatal("expected request to be rejected")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimitProducer_NoTokenSkips(t *testing.T) {
	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{
			Producer: config.RateLimitBucketConfig{RequestsPerMinute: 60, BurstSize: 5},
		},
	}
	limiter := &mockLimiter{decision: ratelimit.Decision{Allowed: false}}

	ctx, _ := testContext(http.MethodPost, "/v1/rpa/submissions/sub-1/dispatch")
	RateLimitProducer(limiter, cfg)(ctx)

	if ctx.IsAborted() {
		t.Fatal("expected unauthenticated request to be left for auth middleware")
	}
	if limiter.calls != 0 {
		t.Fatalf("limiter called %d times without a bearer token", limiter.calls)
	}
}

func TestRateLimitWebhook_FailsOpen(t *testing.T) {
	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{
			Webhook: config.RateLimitBucketConfig{RequestsPerMinute: 60, BurstSize: 5},
		},
	}
	limiter := &mockLimiter{err: context.DeadlineExceeded}

	ctx, _ := testContext(http.MethodPost, "/webhooks/rpa-complete")
	RateLimitWebhook(limiter, cfg)(ctx)

	if ctx.IsAborted() {
		t.Fatal("expected limiter errors to fail open")
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name    string
		role    string
		aborted bool
	}{
		{"admin allowed", "ADMIN", false},
		{"user rejected", "USER", true},
		{"missing role rejected", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, rec := testContext(http.MethodGet, "/v1/rpa/admin/submissions/sub-1")
			if tt.role != "" {
				ctx.Set("userRole", tt.role)
			}

			RequireAdmin()(ctx)

			if ctx.IsAborted() != tt.aborted {
				t.Fatalf("aborted = %v, want %v", ctx.IsAborted(), tt.aborted)
			}
			if tt.aborted && rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func staticValidator(t *testing.T, token string) auth.Validator {
	t.Helper()
	v, err := auth.NewValidator(auth.ProviderConfig{
		Type:   "static",
		Config: json.RawMessage(`{"token":"` + token + `"}`),
	})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v
}

func TestAuthMiddleware_DevPassThrough(t *testing.T) {
	cfg := &config.Config{Env: "dev"}

	ctx, _ := testContext(http.MethodPost, "/v1/rpa/submissions/sub-1/dispatch")
	ctx.Request.Header.Set("X-Role", "admin")

	AuthMiddleware(nil, cfg)(ctx)

	if ctx.IsAborted() {
		t.Fatal("expected dev request without producer auth to pass")
	}
	if got := ctx.GetString("userRole"); got != "ADMIN" {
		t.Fatalf("userRole = %q, want ADMIN", got)
	}
}

func TestAuthMiddleware_NilValidatorOutsideDev(t *testing.T) {
	cfg := &config.Config{Env: "prod"}

	ctx, rec := testContext(http.MethodPost, "/v1/rpa/submissions/sub-1/dispatch")
	AuthMiddleware(nil, cfg)(ctx)

	if !ctx.IsAborted() {
		t.Fatal("expected request to be rejected without a validator")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestAuthMiddleware_MissingBearer(t *testing.T) {
	cfg := &config.Config{Env: "prod"}

	ctx, rec := testContext(http.MethodPost, "/v1/rpa/submissions/sub-1/dispatch")
	AuthMiddleware(staticValidator(t, "secret"), cfg)(ctx)

	if !ctx.IsAborted() {
		t.Fatal("expected request without Authorization to be rejected")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_StaticToken(t *testing.T) {
	cfg := &config.Config{Env: "prod"}

	ctx, _ := testContext(http.MethodPost, "/v1/rpa/submissions/sub-1/dispatch")
	ctx.Request.Header.Set("Authorization", "Bearer secret")

	AuthMiddleware(staticValidator(t, "secret"), cfg)(ctx)

	if ctx.IsAborted() {
		t.Fatal("expected valid static token to pass")
	}
}
