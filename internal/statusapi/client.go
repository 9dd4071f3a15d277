package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

// Client talks to the status API of a running reconciler.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Statuses(ctx context.Context) ([]models.TargetStatus, error) {
	var statuses []models.TargetStatus
	err := c.do(ctx, http.MethodGet, "/status", nil, http.StatusOK, &statuses)
	return statuses, err
}

func (c *Client) Status(ctx context.Context, target models.TargetRef) (models.TargetStatus, error) {
	var status models.TargetStatus
	err := c.do(ctx, http.MethodGet, "/status", url.Values{"target": {target.String()}}, http.StatusOK, &status)
	return status, err
}

func (c *Client) Retrigger(ctx context.Context, target models.TargetRef) error {
	return c.do(ctx, http.MethodPost, "/retrigger", url.Values{"target": {target.String()}}, http.StatusAccepted, nil)
}

func (c *Client) History(ctx context.Context, target models.TargetRef) ([]models.Revision, error) {
	var revisions []models.Revision
	err := c.do(ctx, http.MethodGet, "/history", url.Values{"target": {target.String()}}, http.StatusOK, &revisions)
	return revisions, err
}

func (c *Client) Rollback(ctx context.Context, target models.TargetRef, seq uint64) (RollbackResponse, error) {
	var resp RollbackResponse
	query := url.Values{
		"target": {target.String()},
		"seq":    {strconv.FormatUint(seq, 10)},
	}
	err := c.do(ctx, http.MethodPost, "/rollback", query, http.StatusOK, &resp)
	return resp, err
}

func (c *Client) Artifacts(ctx context.Context, repository string, limit uint64) ([]models.Observation, error) {
	var observations []models.Observation
	query := url.Values{
		"repository": {repository},
		"limit":      {strconv.FormatUint(limit, 10)},
	}
	err := c.do(ctx, http.MethodGet, "/artifacts", query, http.StatusOK, &observations)
	return observations, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, wantCode int, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", models.ErrTransientIO, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantCode {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		errResp := ErrorResponse{}
		if json.Unmarshal(body, &errResp) != nil || errResp.Error == "" {
			errResp.Error = string(body)
		}
		return fmt.Errorf("%w: %s %s: %s", codeError(resp.StatusCode), method, path, errResp.Error)
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func codeError(code int) error {
	switch code {
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusBadRequest:
		return models.ErrValidation
	case http.StatusConflict:
		return models.ErrConflict
	}
	return models.ErrTransientIO
}
