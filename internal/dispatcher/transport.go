package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StartRunRequest is the payload posted to an agent to launch a run.
// The agent gets the script inline so it never calls back for it.
type StartRunRequest struct {
	BotID  uuid.UUID `json:"bot_id"`
	Script string    `json:"script"`
	RunID  uuid.UUID `json:"run_id"`
}

// Transport delivers a run to an agent. The production implementation
// speaks HTTP to the agent's public URL; tests substitute a stub.
type Transport interface {
	// StartRun asks the agent at publicURL to execute the run. Any
	// non-2xx response or connection failure is an error; the caller
	// fails the run and releases the agent.
	StartRun(ctx context.Context, publicURL string, req StartRunRequest) error
}

// HTTPTransport posts StartRunRequest to {public_url}/run.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport whose requests give up after
// timeout. Context deadlines shorter than the timeout still apply.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) StartRun(ctx context.Context, publicURL string, req StartRunRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("dispatch: marshal request: %w", err)
	}

	url := strings.TrimRight(publicURL, "/") + "/run"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch: post %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("dispatch: agent returned %d", resp.StatusCode)
	}
	return nil
}
