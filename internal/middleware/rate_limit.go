package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/quotefleet/rpatrack/internal/metrics"
	"github.com/quotefleet/rpatrack/internal/ratelimit"
	"github.com/quotefleet/rpatrack/pkg/config"
)

// RateLimitWebhook throttles completion callbacks per client IP. Carrier
// bots do not authenticate, so the source address is the only stable key.
func RateLimitWebhook(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	bucket := toBucket(cfg.RateLimit.Webhook)
	return func(c *gin.Context) {
		rateLimit(c, lim, "webhook", "ingest", c.ClientIP(), bucket)
	}
}

// RateLimitProducer throttles dispatch and registration per bearer token.
func RateLimitProducer(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	bucket := toBucket(cfg.RateLimit.Producer)
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			// Auth middleware will reject; don't rate limit unauthenticated requests here.
			c.Next()
			return
		}
		rateLimit(c, lim, "producer", "dispatch", token, bucket)
	}
}

func toBucket(bcfg config.RateLimitBucketConfig) ratelimit.Bucket {
	return ratelimit.Bucket{RequestsPerMinute: bcfg.RequestsPerMinute, BurstSize: bcfg.BurstSize}
}

func rateLimit(c *gin.Context, lim ratelimit.Limiter, scope, operation, subject string, bucket ratelimit.Bucket) {
	if lim == nil || !bucket.Enabled() {
		c.Next()
		return
	}

	dec, err := lim.Allow(c.Request.Context(), scope, subject, bucket)
	if err != nil {
		// Fail open to avoid turning Redis hiccups into outages.
		slog.Default().Warn("rate limit check failed", "scope", scope, "op", operation, "err", err)
		c.Next()
		return
	}
	if dec.Allowed {
		c.Next()
		return
	}

	retryAfterSeconds := int(dec.RetryAfter.Seconds())
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	metrics.RateLimitHitsTotal.WithLabelValues(scope, operation).Inc()
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":             "rate limit exceeded",
		"scope":             scope,
		"operation":         operation,
		"retryAfterSeconds": retryAfterSeconds,
	})
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
