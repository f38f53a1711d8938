package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// redisCollector exposes store-level gauges read live from Redis at scrape
// time instead of being counted in-process, so restarts don't zero them.
type redisCollector struct {
	rdb    *redis.Client
	logger *slog.Logger

	submissionsDesc *prometheus.Desc
}

const keySubmissionIndex = "rpatrack:submissions"

func newRedisCollector(rdb *redis.Client, logger *slog.Logger) *redisCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisCollector{
		rdb:    rdb,
		logger: logger,
		submissionsDesc: prometheus.NewDesc(
			"rpatrack_submissions_tracked",
			"Submissions with a registered carrier task map.",
			nil,
			nil,
		),
	}
}

func (c *redisCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.submissionsDesc
}

func (c *redisCollector) Collect(ch chan<- prometheus.Metric) {
	if c.rdb == nil {
		return
	}

	// Keep Redis reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := c.rdb.SCard(ctx, keySubmissionIndex).Result()
	if err != nil && err != redis.Nil {
		c.logger.Warn("prometheus redis collector failed", "err", err)
		return
	}

	m, err := prometheus.NewConstMetric(c.submissionsDesc, prometheus.GaugeValue, float64(n))
	if err != nil {
		return
	}
	ch <- m
}

var registerRedisCollectorOnce sync.Once

func RegisterRedisCollector(rdb *redis.Client, logger *slog.Logger) {
	registerRedisCollectorOnce.Do(func() {
		prometheus.MustRegister(newRedisCollector(rdb, logger))
	})
}
