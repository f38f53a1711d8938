package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quotefleet/rpatrack/internal/tracing"
	"github.com/quotefleet/rpatrack/pkg/domain"
)

// HTTPStatusClient queries the status endpoint over HTTP. It is the client
// used by the CLI's watch command; tests substitute a fake StatusClient.
type HTTPStatusClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPStatusClient(baseURL, token string) *HTTPStatusClient {
	return &HTTPStatusClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type statusResponse struct {
	SubmissionID string         `json:"submissionId"`
	Tasks        domain.TaskMap `json:"tasks"`
}

func (c *HTTPStatusClient) TaskStatuses(ctx context.Context, submissionID string) (domain.TaskMap, error) {
	url := fmt.Sprintf("%s/v1/rpa/submissions/%s/tasks", c.baseURL, submissionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	tracing.InjectHeaders(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status query returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out statusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	if out.Tasks == nil {
		out.Tasks = domain.TaskMap{}
	}
	return out.Tasks, nil
}
