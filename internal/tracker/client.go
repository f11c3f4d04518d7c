package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrTicketNotFound indicates that a previously recorded issue number no
// longer resolves on the tracker.
var ErrTicketNotFound = errors.New("tracker issue not found")

// Issue is a tracker issue as seen by this core.
type Issue struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
}

// Comment is a tracker issue comment.
type Comment struct {
	ID int64 `json:"id"`
}

// Client is the tracker surface the pipeline depends on.
type Client interface {
	CreateIssue(ctx context.Context, owner, repo, title, body string) (*Issue, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error)
}

// TokenSource yields an API credential for outbound tracker calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// GitHubClient talks to the GitHub REST API with a hand-rolled HTTP client.
type GitHubClient struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	limiter *rate.Limiter
}

// NewGitHubClient creates a tracker client against api.github.com.
func NewGitHubClient(tokens TokenSource) *GitHubClient {
	return &GitHubClient{
		baseURL: "https://api.github.com",
		tokens:  tokens,
		http:    http.DefaultClient,
		// GitHub's secondary rate limits bite around 1 write/sec sustained.
		limiter: rate.NewLimiter(rate.Limit(2), 4),
	}
}

// NewGitHubClientWithBaseURL is used by tests and GitHub Enterprise installs.
func NewGitHubClientWithBaseURL(baseURL string, tokens TokenSource) *GitHubClient {
	c := NewGitHubClient(tokens)
	c.baseURL = baseURL
	return c
}

func (c *GitHubClient) do(ctx context.Context, method, path string, payload, out interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to obtain tracker credential: %w", err)
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("github API %s %s failed: %s", method, path, resp.Status)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode github response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *GitHubClient) CreateIssue(ctx context.Context, owner, repo, title, body string) (*Issue, error) {
	payload := map[string]string{"title": title, "body": body}
	var issue Issue
	path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	if _, err := c.do(ctx, http.MethodPost, path, payload, &issue); err != nil {
		return nil, err
	}
	log.Debug().
		Str("repo", owner+"/"+repo).
		Int("number", issue.Number).
		Msg("Created tracker issue")
	return &issue, nil
}

func (c *GitHubClient) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	status, err := c.do(ctx, http.MethodGet, path, nil, &issue)
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s/%s#%d", ErrTicketNotFound, owner, repo, number)
	}
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *GitHubClient) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	payload := map[string]string{"body": body}
	var comment Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	if _, err := c.do(ctx, http.MethodPost, path, payload, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}
