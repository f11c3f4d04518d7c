package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Run identifies one execution attempt on a thread.
type Run struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// Thread is the server-side state of a long-running session. Values carries
// graph-specific state; the planner thread's values expose the programmer
// session it owns.
type Thread struct {
	Status string                 `json:"status"`
	Values map[string]interface{} `json:"values"`
}

// CreateRunRequest is the payload for submitting a run.
type CreateRunRequest struct {
	Input  map[string]interface{} `json:"input"`
	Config map[string]interface{} `json:"config,omitempty"`

	// Resumable marks the run as interruptible/resumable server-side.
	Resumable bool `json:"resumable,omitempty"`

	// IfNotExists must be "create": submitting twice for the same thread while
	// a run is still pending is a no-op, never a duplicate session.
	IfNotExists string `json:"if_not_exists,omitempty"`
}

// ResumeSignal is an explicit resume against an interrupted thread, carrying
// the instruction the resumed run should act on.
type ResumeSignal struct {
	Command map[string]interface{} `json:"command"`
}

// Client is the run-execution surface the orchestrator depends on.
type Client interface {
	CreateRun(ctx context.Context, threadID, graphID string, req CreateRunRequest) (*Run, error)
	ResumeRun(ctx context.Context, threadID, graphID string, signal ResumeSignal) (*Run, error)
	GetThread(ctx context.Context, threadID string) (*Thread, error)
}

// HTTPClient is the REST implementation against the run-execution service.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    http.DefaultClient,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(data)
	} else {
		body = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("run service %s %s failed: %s", method, path, resp.Status)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode run service response: %w", err)
		}
	}
	return nil
}

// CreateRun submits a run on the thread's graph. The IfNotExists field is
// forced to "create" so a racing re-drive can never start a second execution.
func (c *HTTPClient) CreateRun(ctx context.Context, threadID, graphID string, req CreateRunRequest) (*Run, error) {
	req.IfNotExists = "create"

	payload := struct {
		AssistantID string `json:"assistant_id"`
		CreateRunRequest
	}{AssistantID: graphID, CreateRunRequest: req}

	var run Run
	path := fmt.Sprintf("/threads/%s/runs", threadID)
	if err := c.do(ctx, http.MethodPost, path, payload, &run); err != nil {
		return nil, err
	}

	log.Info().
		Str("thread_id", threadID).
		Str("graph_id", graphID).
		Str("run_id", run.RunID).
		Msg("Submitted run")

	return &run, nil
}

// ResumeRun issues an explicit resume signal, not a fresh run, against an
// existing thread.
func (c *HTTPClient) ResumeRun(ctx context.Context, threadID, graphID string, signal ResumeSignal) (*Run, error) {
	payload := struct {
		AssistantID string `json:"assistant_id"`
		ResumeSignal
	}{AssistantID: graphID, ResumeSignal: signal}

	var run Run
	path := fmt.Sprintf("/threads/%s/runs", threadID)
	if err := c.do(ctx, http.MethodPost, path, payload, &run); err != nil {
		return nil, err
	}

	log.Info().
		Str("thread_id", threadID).
		Str("run_id", run.RunID).
		Msg("Resumed run")

	return &run, nil
}

func (c *HTTPClient) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var thread Thread
	path := fmt.Sprintf("/threads/%s", threadID)
	if err := c.do(ctx, http.MethodGet, path, nil, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}
