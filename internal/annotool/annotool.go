// Package annotool is a REST client for the annotation tool that hosts
// exchange oracle tasks.
package annotool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/austindbirch/harbor_oracle/internal/escrow"
	"github.com/austindbirch/harbor_oracle/internal/events"
)

type Client struct {
	http *resty.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetHeader("Authorization", "Token "+token)
	}
	return &Client{http: c}
}

type createTaskRequest struct {
	EscrowAddress string   `json:"escrow_address"`
	ChainID       int64    `json:"chain_id"`
	Labels        []string `json:"labels"`
	DataURL       string   `json:"data_url"`
	JobSize       int      `json:"job_size"`
}

type reopenRequest struct {
	JobIDs []int64 `json:"job_ids"`
}

// APIError is a non-2xx answer from the tool
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("annotation tool %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func taskPath(key events.TaskKey, suffix string) string {
	return "/api/tasks/" + url.PathEscape(key.String()) + suffix
}

func check(resp *resty.Response, err error, ok ...int) error {
	if err != nil {
		return fmt.Errorf("annotation tool request: %w", err)
	}
	for _, code := range ok {
		if resp.StatusCode() == code {
			return nil
		}
	}
	if resp.IsSuccess() {
		return nil
	}
	return &APIError{
		Method: resp.Request.Method,
		Path:   resp.Request.URL,
		Status: resp.StatusCode(),
		Body:   resp.String(),
	}
}

// CreateTask registers the escrow's task; an existing task is accepted
func (c *Client) CreateTask(ctx context.Context, key events.TaskKey, m *escrow.Manifest) error {
	body := createTaskRequest{
		EscrowAddress: key.EscrowAddress,
		ChainID:       key.ChainID,
		Labels:        m.LabelNames(),
		DataURL:       m.Data.DataURL,
		JobSize:       m.Annotation.JobSize,
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post("/api/tasks")
	return check(resp, err, http.StatusConflict)
}

// CancelTask removes the task; a missing task counts as removed
func (c *Client) CancelTask(ctx context.Context, key events.TaskKey) error {
	resp, err := c.http.R().SetContext(ctx).Delete(taskPath(key, ""))
	return check(resp, err, http.StatusNotFound)
}

func (c *Client) CompleteTask(ctx context.Context, key events.TaskKey) error {
	resp, err := c.http.R().SetContext(ctx).Post(taskPath(key, "/complete"))
	return check(resp, err)
}

// ReopenJobs sends rejected jobs back to annotators
func (c *Client) ReopenJobs(ctx context.Context, key events.TaskKey, jobIDs []int64) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(reopenRequest{JobIDs: jobIDs}).Post(taskPath(key, "/jobs/reopen"))
	return check(resp, err)
}
