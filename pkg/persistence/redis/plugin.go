package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quotefleet/rpatrack/internal/metrics"
	"github.com/quotefleet/rpatrack/pkg/domain"
	"github.com/quotefleet/rpatrack/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

// Config holds Redis-specific configuration
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
}

// maxMergeRetries bounds the optimistic WATCH loop. Contention on a single
// submission is a handful of carriers at most, so this is generous.
const maxMergeRetries = 16

// Plugin implements PluginPersistence for Redis/KVRocks
type Plugin struct {
	client *redis.Client
	store  *submissionStore
}

// NewPlugin creates a new Redis persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	var cfg Config
	if err := json.Unmarshal(config.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})

	return NewPluginWithClient(client), nil
}

// NewPluginWithClient wraps an existing client (shared with the rate limiter
// and metrics collector in the server wiring).
func NewPluginWithClient(client *redis.Client) *Plugin {
	return &Plugin{client: client, store: &submissionStore{rdb: client}}
}

func (p *Plugin) Submissions() persistence.SubmissionStore { return p.store }

func (p *Plugin) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Plugin) Close() error { return p.client.Close() }

func init() {
	persistence.RegisterProvider("redis", NewPlugin)
}

// submissionStore keeps each submission's task map as a single JSON value.
// Per-submission serialization comes from optimistic WATCH transactions: a
// concurrent write to the same key fails the EXEC and the read-modify-write
// is retried, so sibling carriers never clobber each other.
type submissionStore struct {
	rdb *redis.Client
}

func keyTasks(submissionID string) string {
	return fmt.Sprintf("rpatrack:sub:%s:tasks", submissionID)
}

// keySubmissionIndex is a set of registered submission ids, read by the
// prometheus collector.
const keySubmissionIndex = "rpatrack:submissions"

func (s *submissionStore) Create(ctx context.Context, submissionID string) error {
	ok, err := s.rdb.SetNX(ctx, keyTasks(submissionID), "{}", 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return persistence.ErrAlreadyExists
	}
	return s.rdb.SAdd(ctx, keySubmissionIndex, submissionID).Err()
}

func (s *submissionStore) Tasks(ctx context.Context, submissionID string) (domain.TaskMap, error) {
	js, err := s.rdb.Get(ctx, keyTasks(submissionID)).Result()
	if err == redis.Nil {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalTaskMap(js)
}

func (s *submissionStore) Merge(ctx context.Context, submissionID string, carrier domain.Carrier, patch domain.TaskPatch) (domain.CarrierTask, domain.MergeOutcome, error) {
	var (
		merged  domain.CarrierTask
		outcome domain.MergeOutcome
	)
	key := keyTasks(submissionID)

	txn := func(tx *redis.Tx) error {
		js, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return persistence.ErrNotFound
		}
		if err != nil {
			return err
		}
		m, err := unmarshalTaskMap(js)
		if err != nil {
			return err
		}

		var existing *domain.CarrierTask
		if cur, ok := m[carrier]; ok {
			existing = &cur
		}
		merged, outcome = domain.ApplyPatch(existing, carrier, patch)
		if outcome == domain.MergeDuplicate {
			// Nothing to write; the WATCH ends without an EXEC.
			return nil
		}
		m[carrier] = merged

		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, string(out), 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxMergeRetries; attempt++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == nil {
			return merged, outcome, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			metrics.MergeRetriesTotal.WithLabelValues(string(carrier)).Inc()
			continue
		}
		return domain.CarrierTask{}, "", err
	}
	return domain.CarrierTask{}, "", fmt.Errorf("merge for submission %s: retries exhausted", submissionID)
}

func (s *submissionStore) SetQueued(ctx context.Context, submissionID string, carrier domain.Carrier, taskID string, submittedAt time.Time) (domain.CarrierTask, error) {
	var queued domain.CarrierTask
	key := keyTasks(submissionID)

	txn := func(tx *redis.Tx) error {
		m := domain.TaskMap{}
		js, err := tx.Get(ctx, key).Result()
		switch {
		case err == redis.Nil:
			// Dispatch implies the submission exists upstream; register it.
		case err != nil:
			return err
		default:
			if m, err = unmarshalTaskMap(js); err != nil {
				return err
			}
		}

		queued = domain.CarrierTask{
			Carrier:     carrier,
			TaskID:      taskID,
			Status:      domain.StatusQueued,
			SubmittedAt: submittedAt,
		}
		m[carrier] = queued

		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, string(out), 0)
			pipe.SAdd(ctx, keySubmissionIndex, submissionID)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxMergeRetries; attempt++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == nil {
			return queued, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			metrics.MergeRetriesTotal.WithLabelValues(string(carrier)).Inc()
			continue
		}
		return domain.CarrierTask{}, err
	}
	return domain.CarrierTask{}, fmt.Errorf("set queued for submission %s: retries exhausted", submissionID)
}

func unmarshalTaskMap(js string) (domain.TaskMap, error) {
	m := domain.TaskMap{}
	if js == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(js), &m); err != nil {
		return nil, err
	}
	// The map key is authoritative for the carrier field.
	for c, t := range m {
		if t.Carrier == "" {
			t.Carrier = c
			m[c] = t
		}
	}
	return m, nil
}
