package quorumsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Quorum HTTP API client, intended for AI agents that
// escalate low-confidence decisions and poll for the human verdict.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID                 string      `json:"id"`
	Query              string      `json:"query"`
	Confidence         float64     `json:"ai_confidence"`
	CurrentPhase       string      `json:"current_phase"`
	RequiredVoters     int         `json:"required_voters"`
	ConsensusThreshold float64     `json:"consensus_threshold"`
	YesVotes           int         `json:"yes_votes"`
	NoVotes            int         `json:"no_votes"`
	Status             string      `json:"status"`
	Result             *TaskResult `json:"result,omitempty"`
}

// TaskResult is the final verdict on a resolved or failed task.
type TaskResult struct {
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
	FinalPhase string `json:"final_phase"`
	YesVotes   int    `json:"yes_votes"`
	NoVotes    int    `json:"no_votes"`
}

// Vote is the acknowledgement returned after casting a ballot.
type Vote struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	Decision string `json:"decision"`
	Outcome  string `json:"outcome"`
	Task     Task   `json:"task"`
}

// LeaderboardEntry is one ranked voter.
type LeaderboardEntry struct {
	UserID     string  `json:"user_id"`
	Accuracy   float64 `json:"accuracy"`
	TotalVotes int     `json:"total_votes"`
	Rank       int     `json:"rank"`
	Percentile float64 `json:"percentile"`
}

// Event is one audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// EscalateTask submits a decision the caller is not confident enough to make
// alone. Confidence must be in [0,1]; lower confidence recruits more voters.
func (c *Client) EscalateTask(ctx context.Context, query string, confidence float64) (Task, error) {
	body := map[string]any{
		"query":         query,
		"ai_confidence": confidence,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches current task state, including the result once resolved.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// CastVote records a ballot for userID on the task. Pass an empty userID to
// vote anonymously.
func (c *Client) CastVote(ctx context.Context, taskID, userID, decision string) (Vote, error) {
	body := map[string]any{"decision": decision}
	if userID != "" {
		body["user_id"] = userID
	}
	var resp Vote
	endpoint := fmt.Sprintf("v0/tasks/%s/votes", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Terminate closes voting on a task without a verdict.
func (c *Client) Terminate(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/terminate", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Leaderboard returns voters ranked by historical accuracy.
func (c *Client) Leaderboard(ctx context.Context, top int) ([]LeaderboardEntry, error) {
	endpoint := "v0/leaderboard"
	if top > 0 {
		endpoint = fmt.Sprintf("%s?top=%d", endpoint, top)
	}
	var resp []LeaderboardEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
