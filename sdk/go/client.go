package growlinesdk

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

// Client is a minimal Growline HTTP API client.
type Client struct {
	BaseURL     string
	FacilityID  string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, facilityID string) *Client {
	return &Client{
		BaseURL:    baseURL,
		FacilityID: facilityID,
		Timeout:    10 * time.Second,
	}
}

// Batch represents the API batch model (partial).
type Batch struct {
	ID           string         `json:"id"`
	FacilityID   string         `json:"facility_id"`
	BatchNumber  string         `json:"batch_number"`
	Strain       string         `json:"strain"`
	CurrentStage string         `json:"current_stage"`
	Status       string         `json:"status"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID             string `json:"id"`
	FacilityID     string `json:"facility_id"`
	Title          string `json:"title"`
	Category       string `json:"category"`
	Status         string `json:"status"`
	ApprovalStatus string `json:"approval_status"`
}

// Transition is one row of a batch's stage history.
type Transition struct {
	ID        int64          `json:"id"`
	BatchID   string         `json:"batch_id"`
	FromStage string         `json:"from_stage"`
	ToStage   string         `json:"to_stage"`
	TS        string         `json:"ts"`
	ActorID   string         `json:"actor_id"`
	FieldData map[string]any `json:"field_data,omitempty"`
}

// GateResult reports whether a batch may leave its stage.
type GateResult struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	FacilityID string         `json:"facility_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// ActorProfile represents an actor's roles and permissions.
type ActorProfile struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateBatch opens a batch at the initial lifecycle stage.
func (c *Client) CreateBatch(ctx context.Context, batchNumber, strain string, fields map[string]any) (Batch, error) {
	body := map[string]any{
		"batch_number": batchNumber,
		"strain":       strain,
		"fields":       fields,
	}
	var resp Batch
	err := c.do(ctx, http.MethodPost, c.facilityPath("batches"), body, &resp)
	return resp, err
}

// GetBatch fetches a batch by id.
func (c *Client) GetBatch(ctx context.Context, id string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodGet, "v0/batches/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TransitionResult pairs the advanced batch with its history row.
type TransitionResult struct {
	Batch      Batch      `json:"batch"`
	Transition Transition `json:"transition"`
}

// Transition advances a batch to its next stage.
func (c *Client) Transition(ctx context.Context, batchID, expectedStage string, fields map[string]any, taskIDs []string) (TransitionResult, error) {
	body := map[string]any{
		"expected_stage": expectedStage,
		"fields":         fields,
		"task_ids":       taskIDs,
	}
	var resp TransitionResult
	endpoint := "v0/batches/" + url.PathEscape(batchID) + "/transitions"
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Gate checks whether a batch may leave its current stage.
func (c *Client) Gate(ctx context.Context, batchID string, taskIDs []string) (GateResult, error) {
	endpoint := "v0/batches/" + url.PathEscape(batchID) + "/gate"
	if len(taskIDs) > 0 {
		endpoint += "?task_ids=" + url.QueryEscape(strings.Join(taskIDs, ","))
	}
	var resp GateResult
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns a batch's stage transitions.
func (c *Client) History(ctx context.Context, batchID string) ([]Transition, error) {
	var resp []Transition
	endpoint := "v0/batches/" + url.PathEscape(batchID) + "/transitions"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateTask creates a task, optionally bound to a batch.
func (c *Client) CreateTask(ctx context.Context, title, category, batchID string) (Task, error) {
	body := map[string]any{
		"title":    title,
		"category": category,
	}
	if batchID != "" {
		body["batch_id"] = batchID
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.facilityPath("tasks"), body, &resp)
	return resp, err
}

// CheckItem records a checklist answer on a task.
func (c *Client) CheckItem(ctx context.Context, taskID, key string, done bool, answer string) (Task, error) {
	body := map[string]any{
		"done":   done,
		"answer": answer,
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/checklist/%s", url.PathEscape(taskID), url.PathEscape(key))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// Events returns recent facility events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.facilityPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Me returns the authenticated actor's roles and permissions.
func (c *Client) Me(ctx context.Context) (ActorProfile, error) {
	var resp ActorProfile
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
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

func (c *Client) facilityPath(p string) string {
	facility := url.PathEscape(c.FacilityID)
	return fmt.Sprintf("v0/facilities/%s/%s", facility, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
