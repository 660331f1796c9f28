// Package retool is a small Go client for the retoold REST API.
package retool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Provisioning runs the whole scenario suite, so it is
// longer than a plain CRUD call would need.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with the retoold API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Variant mirrors the deployed agent configuration.
type Variant struct {
	Specialty    string    `json:"specialty"`
	Tier         string    `json:"tier"`
	Model        string    `json:"model"`
	Name         string    `json:"name"`
	UserID       string    `json:"user_id"`
	Instructions string    `json:"instructions"`
	Capabilities []string  `json:"capabilities"`
	Revision     int       `json:"revision"`
	CreatedAt    time.Time `json:"created_at"`
}

// Deployment is the active variant of a user.
type Deployment struct {
	ID         string    `json:"deployment_id"`
	UserID     string    `json:"user_id"`
	Variant    Variant   `json:"variant"`
	Version    int64     `json:"version"`
	Reason     string    `json:"reason"`
	DeployedAt time.Time `json:"deployed_at"`
}

// ProvisionResult is returned by a synchronous provision call.
type ProvisionResult struct {
	Deployment Deployment         `json:"deployment"`
	Variants   []string           `json:"variants"`
	Scores     map[string]float64 `json:"scores"`
}

// ChatResult is the structured outcome of one chat turn.
type ChatResult struct {
	Success      bool     `json:"success"`
	Reply        string   `json:"reply"`
	ToolsInvoked []string `json:"tools_invoked"`
	ApprovalIDs  []string `json:"approval_ids"`
	Variant      string   `json:"variant"`
	Version      int64    `json:"version"`
	Error        string   `json:"error"`
	Trace        *struct {
		ID string `json:"id"`
	} `json:"trace,omitempty"`
}

// Action is one logged agent action.
type Action struct {
	Action    string         `json:"action"`
	Status    string         `json:"status,omitempty"`
	Input     string         `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	ToolCalls []string       `json:"tool_calls,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// RewardRecord is one computed reward vector.
type RewardRecord struct {
	UserID       string             `json:"user_id"`
	VariantKey   string             `json:"variant_key"`
	DeploymentID string             `json:"deployment_id"`
	Version      int64              `json:"version"`
	Vector       map[string]float64 `json:"vector"`
	Aggregate    float64            `json:"aggregate"`
	WeakAreas    []string           `json:"weak_areas"`
	Regenerate   bool               `json:"regenerate"`
	Actions      int                `json:"actions"`
	ComputedAt   time.Time          `json:"computed_at"`
}

// RewardOutcome is returned by ComputeRewards.
type RewardOutcome struct {
	Record            RewardRecord `json:"record"`
	Regenerated       bool         `json:"regenerated"`
	RegenerationError string       `json:"regeneration_error"`
	Deployment        Deployment   `json:"deployment"`
}

// Trace is a completion trace captured during evaluation or chat.
type Trace struct {
	ID         string    `json:"trace_id"`
	Source     string    `json:"source"`
	UserID     string    `json:"user_id"`
	Variant    string    `json:"variant"`
	Scenario   string    `json:"scenario"`
	Input      string    `json:"input"`
	Output     string    `json:"output"`
	Tools      []string  `json:"tools_invoked"`
	RecordedAt time.Time `json:"recorded_at"`
}

// TraceSpans lists the steps of a trace with their durations.
type TraceSpans struct {
	TraceID string `json:"trace_id"`
	Source  string `json:"source"`
	Model   string `json:"model"`
	Spans   []struct {
		Name       string         `json:"name"`
		Attributes map[string]any `json:"attributes"`
		StartedAt  int64          `json:"started_at"`
		EndedAt    int64          `json:"ended_at"`
		DurationMS int64          `json:"duration_ms"`
	} `json:"spans"`
	TotalSpans int `json:"total_spans"`
}

// Approval is a pending or approved side-effecting action.
type Approval struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload"`
	Status     string         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	Result     *struct {
		Status string         `json:"status"`
		Output map[string]any `json:"output"`
		Error  string         `json:"error"`
	} `json:"result,omitempty"`
}

// Job is an asynchronous provisioning job.
type Job struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Persona    string `json:"persona"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error"`
	ErrorCode  string `json:"error_code"`
	Result     *struct {
		DeploymentID string             `json:"deployment_id"`
		Variant      string             `json:"variant"`
		Version      int64              `json:"version"`
		Scores       map[string]float64 `json:"scores"`
	} `json:"result,omitempty"`
}

// APIError represents a failed envelope returned by the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("retool api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("retool api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the retoold API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored operator token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the operator token sent as a bearer token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Provision generates, evaluates and deploys a variant for the user.
func (c *Client) Provision(ctx context.Context, userID, persona string) (ProvisionResult, error) {
	var out ProvisionResult
	err := c.post(ctx, "/api/v1/users/"+url.PathEscape(userID)+"/provision", map[string]string{"persona": persona}, &out)
	return out, err
}

// SubmitJob enqueues an asynchronous provisioning job. jobID may be empty.
func (c *Client) SubmitJob(ctx context.Context, userID, persona, jobID string) (Job, error) {
	var out Job
	err := c.post(ctx, "/api/v1/users/"+url.PathEscape(userID)+"/jobs", map[string]string{"id": jobID, "persona": persona}, &out)
	return out, err
}

// Job fetches a provisioning job.
func (c *Client) Job(ctx context.Context, jobID string) (Job, error) {
	var out Job
	err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(jobID), &out)
	return out, err
}

// ActiveAgent returns the user's current deployment.
func (c *Client) ActiveAgent(ctx context.Context, userID string) (Deployment, error) {
	var out Deployment
	err := c.get(ctx, "/api/v1/users/"+url.PathEscape(userID)+"/agent", &out)
	return out, err
}

// Chat sends one message to the user's deployed agent.
func (c *Client) Chat(ctx context.Context, userID, message string) (ChatResult, error) {
	var out ChatResult
	err := c.post(ctx, "/api/v1/users/"+url.PathEscape(userID)+"/chat", map[string]string{"message": message}, &out)
	return out, err
}

// RecordAction logs an action against the user's current deployment.
func (c *Client) RecordAction(ctx context.Context, userID string, action Action) error {
	return c.post(ctx, "/api/v1/users/"+url.PathEscape(userID)+"/actions", action, nil)
}

// ComputeRewards scores the actions since the last deployment.
func (c *Client) ComputeRewards(ctx context.Context, userID string) (RewardOutcome, error) {
	var out RewardOutcome
	err := c.post(ctx, "/api/v1/users/"+url.PathEscape(userID)+"/rewards", nil, &out)
	return out, err
}

// RewardHistory returns up to limit reward records, oldest first.
func (c *Client) RewardHistory(ctx context.Context, userID string, limit int) ([]RewardRecord, error) {
	var out []RewardRecord
	endpoint := "/api/v1/users/" + url.PathEscape(userID) + "/rewards"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	err := c.get(ctx, endpoint, &out)
	return out, err
}

// Trace fetches a trace by id.
func (c *Client) Trace(ctx context.Context, traceID string) (Trace, error) {
	var out Trace
	err := c.get(ctx, "/api/v1/traces/"+url.PathEscape(traceID), &out)
	return out, err
}

// TraceSpans fetches the span breakdown of a trace.
func (c *Client) TraceSpans(ctx context.Context, traceID string) (TraceSpans, error) {
	var out TraceSpans
	err := c.get(ctx, "/api/v1/traces/"+url.PathEscape(traceID)+"/spans", &out)
	return out, err
}

// PendingApprovals lists approval requests that have not been approved yet.
func (c *Client) PendingApprovals(ctx context.Context) ([]Approval, error) {
	var out []Approval
	err := c.get(ctx, "/api/v1/approvals/pending", &out)
	return out, err
}

// Approve approves and executes a pending request.
func (c *Client) Approve(ctx context.Context, approvalID string) (Approval, error) {
	var out Approval
	err := c.post(ctx, "/api/v1/approvals/"+url.PathEscape(approvalID)+"/approve", nil, &out)
	return out, err
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	ref.Path = path.Join(c.baseURL.Path, ref.Path)
	u := c.baseURL.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || (resp.StatusCode >= 400 && env.Error == "") {
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 || !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
