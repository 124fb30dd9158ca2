package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"judgepipe/internal/pipeline/model"
	"judgepipe/pkg/utils/contextkey"
)

const submissionsAddPath = "/submissions/add"

// HTTPSender posts execution requests to a worker pool over HTTP.
type HTTPSender struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSender creates a sender for baseURL. The client is owned by the caller.
func NewHTTPSender(baseURL string, client *http.Client) (*HTTPSender, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("worker base url is required")
	}
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	return &HTTPSender{baseURL: baseURL, client: client}, nil
}

func (s *HTTPSender) Send(ctx context.Context, req *model.ExecutionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+submissionsAddPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if traceID, ok := ctx.Value(contextkey.TraceID).(string); ok && traceID != "" {
		httpReq.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post to worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("worker returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
