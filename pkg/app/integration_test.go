package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	_ "github.com/quotefleet/rpatrack/pkg/auth/static"
	"github.com/quotefleet/rpatrack/pkg/config"
	"github.com/quotefleet/rpatrack/pkg/domain"
	redisstore "github.com/quotefleet/rpatrack/pkg/persistence/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

const producerToken = "producer-token"

func setupServer(t *testing.T) string {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		RedisAddr:           mr.Addr(),
		PersistenceProvider: "redis",
		Timezone:            "UTC",
		LogLevel:            "error",
		LogFormat:           "json",
		Env:                 "test",
		SupportedCarriers:   []string{"encova", "guard", "amtrust"},
		PollIntervalSeconds: 5,
		ProducerAuth: config.AuthProviderConfig{
			Type: "static",
			Config: map[string]any{
				"token":   producerToken,
				"subject": "quotefleet-api",
				"raw":     map[string]any{"role": "ADMIN"},
			},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	application, err := NewApplication(cfg, WithPersistence(redisstore.NewPluginWithClient(rdb)))
	if err != nil {
		t.Fatalf("init app: %v", err)
	}
	SetupMappings(application)
	server := httptest.NewServer(application.Engine)
	t.Cleanup(server.Close)
	return server.URL
}

func registerSubmission(t *testing.T, ctx context.Context, baseURL, submissionID string) {
	t.Helper()
	status, body := doJSON(t, ctx, http.MethodPost, baseURL+"/v1/rpa/submissions", producerToken,
		map[string]any{"submissionId": submissionID}, nil)
	if status != http.StatusCreated {
		t.Fatalf("register status %d body=%s", status, body)
	}
}

func dispatchCarrier(t *testing.T, ctx context.Context, baseURL, submissionID, carrier, taskID string) {
	t.Helper()
	status, body := doJSON(t, ctx, http.MethodPost, baseURL+"/v1/rpa/submissions/"+submissionID+"/dispatch", producerToken,
		map[string]any{"carrier": carrier, "taskId": taskID}, nil)
	if status != http.StatusOK {
		t.Fatalf("dispatch status %d body=%s", status, body)
	}
}

func deliverCompletion(t *testing.T, ctx context.Context, baseURL string, payload map[string]any) (int, string) {
	t.Helper()
	return doJSON(t, ctx, http.MethodPost, baseURL+"/webhooks/rpa-complete", "", payload, nil)
}

func queryTasks(t *testing.T, ctx context.Context, baseURL, submissionID string) (domain.TaskMap, bool) {
	t.Helper()
	var resp struct {
		SubmissionID string         `json:"submissionId"`
		Tasks        domain.TaskMap `json:"tasks"`
		Settled      bool           `json:"settled"`
	}
	status, body := doJSON(t, ctx, http.MethodGet, baseURL+"/v1/rpa/submissions/"+submissionID+"/tasks", producerToken, nil, &resp)
	if status != http.StatusOK {
		t.Fatalf("status query %d body=%s", status, body)
	}
	return resp.Tasks, resp.Settled
}

func TestHTTPIntegrationFlow(t *testing.T) {
	ctx := context.Background()
	baseURL := setupServer(t)

	registerSubmission(t, ctx, baseURL, "sub-1")
	dispatchCarrier(t, ctx, baseURL, "sub-1", "encova", "task-77")

	tasks, settled := queryTasks(t, ctx, baseURL, "sub-1")
	if settled {
		t.Fatal("submission settled with a queued task")
	}
	if got := tasks["encova"].Status; got != domain.StatusQueued {
		t.Fatalf("encova status = %v, want %v", got, domain.StatusQueued)
	}

	completedAt := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	status, body := deliverCompletion(t, ctx, baseURL, map[string]any{
		"carrier":      "encova",
		"taskId":       "task-77",
		"submissionId": "sub-1",
		"status":       "completed",
		"completedAt":  completedAt,
		"result":       map[string]any{"policy_code": "ABC123"},
	})
	if status != http.StatusOK {
		t.Fatalf("webhook status %d body=%s", status, body)
	}

	tasks, settled = queryTasks(t, ctx, baseURL, "sub-1")
	if !settled {
		t.Fatal("submission not settled after the only carrier completed")
	}
	encova := tasks["encova"]
	if encova.Status != domain.StatusCompleted {
		t.Fatalf("encova status = %v, want %v", encova.Status, domain.StatusCompleted)
	}
	if got := encova.Result["policy_code"]; got != "ABC123" {
		t.Fatalf("policy_code = %v, want ABC123", got)
	}
	if encova.CompletedAt == nil || !encova.CompletedAt.Equal(completedAt) {
		t.Fatalf("completedAt = %v, want %v", encova.CompletedAt, completedAt)
	}

	// Redelivery of the same terminal callback is absorbed as success.
	status, body = deliverCompletion(t, ctx, baseURL, map[string]any{
		"carrier":      "encova",
		"taskId":       "task-77",
		"submissionId": "sub-1",
		"status":       "failed",
		"completedAt":  completedAt,
		"error":        "should never apply",
	})
	if status != http.StatusOK {
		t.Fatalf("duplicate webhook status %d body=%s", status, body)
	}
	tasks, _ = queryTasks(t, ctx, baseURL, "sub-1")
	if got := tasks["encova"].Status; got != domain.StatusCompleted {
		t.Fatalf("terminal status overwritten: %v", got)
	}
}

func TestWebhook_UnsupportedCarrier(t *testing.T) {
	ctx := context.Background()
	baseURL := setupServer(t)
	registerSubmission(t, ctx, baseURL, "sub-2")

	status, body := deliverCompletion(t, ctx, baseURL, map[string]any{
		"carrier":      "aetna",
		"taskId":       "task-1",
		"submissionId": "sub-2",
		"status":       "completed",
		"completedAt":  time.Now().UTC(),
	})
	if status != http.StatusBadRequest {
		t.Fatalf("webhook status %d body=%s", status, body)
	}
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &errResp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errResp.Error != "InvalidCarrier" {
		t.Fatalf("error = %q, want InvalidCarrier", errResp.Error)
	}

	tasks, _ := queryTasks(t, ctx, baseURL, "sub-2")
	if len(tasks) != 0 {
		t.Fatalf("store changed by rejected webhook: %v", tasks)
	}
}

func TestWebhook_UnknownSubmission(t *testing.T) {
	ctx := context.Background()
	baseURL := setupServer(t)

	status, body := deliverCompletion(t, ctx, baseURL, map[string]any{
		"carrier":      "encova",
		"taskId":       "task-1",
		"submissionId": "missing-sub",
		"status":       "completed",
		"completedAt":  time.Now().UTC(),
	})
	if status != http.StatusNotFound {
		t.Fatalf("webhook status %d body=%s", status, body)
	}
}

func TestWebhook_LivenessAndPreflight(t *testing.T) {
	ctx := context.Background()
	baseURL := setupServer(t)

	req, _ := http.NewRequestWithContext(ctx, http.MethodOptions, baseURL+"/webhooks/rpa-complete", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}

	var live struct {
		Status string `json:"status"`
	}
	status, body := doJSON(t, ctx, http.MethodGet, baseURL+"/webhooks/rpa-complete", "", nil, &live)
	if status != http.StatusOK || live.Status != "ok" {
		t.Fatalf("liveness status=%d body=%s", status, body)
	}
}

func TestConcurrentCompletions_NoLostUpdate(t *testing.T) {
	ctx := context.Background()
	baseURL := setupServer(t)

	registerSubmission(t, ctx, baseURL, "sub-3")
	dispatchCarrier(t, ctx, baseURL, "sub-3", "encova", "task-a")
	dispatchCarrier(t, ctx, baseURL, "sub-3", "guard", "task-b")

	completedAt := time.Now().UTC().Truncate(time.Second)
	var wg sync.WaitGroup
	for _, tc := range []struct{ carrier, taskID string }{
		{"encova", "task-a"},
		{"guard", "task-b"},
	} {
		wg.Add(1)
		go func(carrier, taskID string) {
			defer wg.Done()
			status, body := deliverCompletion(t, ctx, baseURL, map[string]any{
				"carrier":      carrier,
				"taskId":       taskID,
				"submissionId": "sub-3",
				"status":       "completed",
				"completedAt":  completedAt,
				"result":       map[string]any{"quote_ref": taskID},
			})
			if status != http.StatusOK {
				t.Errorf("webhook %s status %d body=%s", carrier, status, body)
			}
		}(tc.carrier, tc.taskID)
	}
	wg.Wait()

	tasks, settled := queryTasks(t, ctx, baseURL, "sub-3")
	if !settled {
		t.Fatal("submission not settled after both carriers completed")
	}
	for _, carrier := range []domain.Carrier{"encova", "guard"} {
		if got := tasks[carrier].Status; got != domain.StatusCompleted {
			t.Fatalf("%s status = %v, want %v (lost update)", carrier, got, domain.StatusCompleted)
		}
	}
}

func TestProducerRoutes_RequireAuth(t *testing.T) {
	ctx := context.Background()
	baseURL := setupServer(t)

	status, _ := doJSON(t, ctx, http.MethodGet, baseURL+"/v1/rpa/submissions/sub-1/tasks", "", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", status, http.StatusUnauthorized)
	}
	status, _ = doJSON(t, ctx, http.MethodGet, baseURL+"/v1/rpa/submissions/sub-1/tasks", "wrong-token", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", status, http.StatusUnauthorized)
	}
}

func TestAdminSubmissionView(t *testing.T) {
	ctx := context.Background()
	baseURL := setupServer(t)

	registerSubmission(t, ctx, baseURL, "sub-4")
	dispatchCarrier(t, ctx, baseURL, "sub-4", "amtrust", "task-9")

	var resp struct {
		StatusCounts map[string]int `json:"statusCounts"`
		Settled      bool           `json:"settled"`
	}
	status, body := doJSON(t, ctx, http.MethodGet, baseURL+"/v1/rpa/admin/submissions/sub-4", producerToken, nil, &resp)
	if status != http.StatusOK {
		t.Fatalf("admin view status %d body=%s", status, body)
	}
	if resp.StatusCounts["queued"] != 1 {
		t.Fatalf("queued count = %d, want 1", resp.StatusCounts["queued"])
	}
	if resp.Settled {
		t.Fatal("settled with a queued task")
	}
}

func doJSON(t *testing.T, ctx context.Context, method, url, token string, body any, out any) (int, string) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewBuffer(b)
	}
	req, _ := http.NewRequestWithContext(ctx, method, url, buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_ = json.Unmarshal(b, out)
	}
	return resp.StatusCode, string(b)
}

func TestProducerAuthClockSkewPassthrough(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.Config)
		wantSkew any
	}{
		{"top-level default applies", func(c *config.Config) {
			c.AllowedClockSkewSeconds = 90
		}, float64(90)},
		{"provider override wins", func(c *config.Config) {
			c.AllowedClockSkewSeconds = 90
			c.ProducerAuth.Config["clockSkewSeconds"] = 15
		}, float64(15)},
		{"zero skew not injected", func(c *config.Config) {
			c.AllowedClockSkewSeconds = 0
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				ProducerAuth: config.AuthProviderConfig{
					Type:   "jwks",
					Config: map[string]any{"jwksUrl": "https://idp.example/jwks.json"},
				},
			}
			tt.mutate(cfg)

			raw, err := producerAuthRaw(cfg)
			if err != nil {
				t.Fatalf("producerAuthRaw() error = %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal rendered config: %v", err)
			}
			if got["clockSkewSeconds"] != tt.wantSkew {
				t.Errorf("clockSkewSeconds = %v, want %v", got["clockSkewSeconds"], tt.wantSkew)
			}
			if got["jwksUrl"] != "https://idp.example/jwks.json" {
				t.Errorf("provider config fields lost: %v", got)
			}
		})
	}
}
