package ado

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const apiVersion = "7.0"

// Config holds connection settings for the Azure DevOps REST API.
type Config struct {
	// OrganizationURL is the base URL, e.g. https://dev.azure.com/myorg.
	OrganizationURL string

	// Project is the team project name.
	Project string

	// PersonalAccessToken authenticates every request.
	PersonalAccessToken string

	// MaxRetries bounds retry attempts for 429/5xx responses (default 3).
	MaxRetries int

	// Timeout is the per-request HTTP timeout (default 30s).
	Timeout time.Duration

	// Logger for client activity. Defaults to a stderr logger.
	Logger *log.Logger
}

// Client talks to the work item tracking API for one project.
type Client struct {
	baseURL    string
	authHeader string
	maxRetries int
	httpc      *http.Client
	logger     *log.Logger
}

// NewClient creates a client from config.
//
// Example:
//
//	client := ado.NewClient(ado.Config{
//	    OrganizationURL:     "https://dev.azure.com/myorg",
//	    Project:             "MyProject",
//	    PersonalAccessToken: os.Getenv("ADOSYNC_ADO_PERSONAL_ACCESS_TOKEN"),
//	})
func NewClient(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[ado] ", log.LstdFlags)
	}

	base := strings.TrimRight(cfg.OrganizationURL, "/") + "/" + url.PathEscape(cfg.Project)
	token := base64.StdEncoding.EncodeToString([]byte(":" + cfg.PersonalAccessToken))

	return &Client{
		baseURL:    base,
		authHeader: "Basic " + token,
		maxRetries: cfg.MaxRetries,
		httpc:      &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}
}

// GetWorkItem fetches a single work item. Set expand to include relations.
func (c *Client) GetWorkItem(ctx context.Context, id int, expand bool) (*WorkItem, error) {
	path := fmt.Sprintf("/_apis/wit/workitems/%d?api-version=%s", id, apiVersion)
	if expand {
		path += "&$expand=relations"
	}

	var item WorkItem
	if err := c.doJSON(ctx, http.MethodGet, path, "", nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetWorkItems fetches a batch of work items by id.
//
// An empty id list returns an empty result without a network call. Lists
// longer than BatchLimit are rejected with a validation error.
func (c *Client) GetWorkItems(ctx context.Context, ids []int) ([]*WorkItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > BatchLimit {
		return nil, &Error{
			Kind:    KindValidation,
			Message: fmt.Sprintf("batch of %d exceeds limit of %d", len(ids), BatchLimit),
		}
	}

	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.Itoa(id)
	}
	path := fmt.Sprintf("/_apis/wit/workitems?ids=%s&api-version=%s",
		strings.Join(strs, ","), apiVersion)

	var resp struct {
		Value []*WorkItem `json:"value"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// QueryByFilter runs a WIQL query for work items of the given types, then
// fetches the matching items in batches.
func (c *Client) QueryByFilter(ctx context.Context, types []string, areaPath, iterationPath string) ([]*WorkItem, error) {
	conditions := []string{"[System.TeamProject] = @project"}
	if len(types) > 0 {
		quoted := make([]string, len(types))
		for i, t := range types {
			quoted[i] = "'" + strings.ReplaceAll(t, "'", "''") + "'"
		}
		conditions = append(conditions,
			fmt.Sprintf("[System.WorkItemType] IN (%s)", strings.Join(quoted, ", ")))
	}
	if areaPath != "" {
		conditions = append(conditions,
			fmt.Sprintf("[System.AreaPath] UNDER '%s'", strings.ReplaceAll(areaPath, "'", "''")))
	}
	if iterationPath != "" {
		conditions = append(conditions,
			fmt.Sprintf("[System.IterationPath] UNDER '%s'", strings.ReplaceAll(iterationPath, "'", "''")))
	}

	wiql := map[string]string{
		"query": "SELECT [System.Id] FROM WorkItems WHERE " +
			strings.Join(conditions, " AND ") + " ORDER BY [System.ChangedDate] DESC",
	}

	var queryResp struct {
		WorkItems []struct {
			ID int `json:"id"`
		} `json:"workItems"`
	}
	path := "/_apis/wit/wiql?api-version=" + apiVersion
	if err := c.doJSON(ctx, http.MethodPost, path, "application/json", wiql, &queryResp); err != nil {
		return nil, err
	}

	ids := make([]int, len(queryResp.WorkItems))
	for i, ref := range queryResp.WorkItems {
		ids[i] = ref.ID
	}

	var items []*WorkItem
	for start := 0; start < len(ids); start += BatchLimit {
		end := start + BatchLimit
		if end > len(ids) {
			end = len(ids)
		}
		batch, err := c.GetWorkItems(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		items = append(items, batch...)
	}
	return items, nil
}

// UpdateState transitions a work item to a new state via JSON Patch.
func (c *Client) UpdateState(ctx context.Context, id int, state, reason string) (*WorkItem, error) {
	ops := []PatchOp{
		{Op: "replace", Path: "/fields/" + FieldState, Value: state},
	}
	if reason != "" {
		ops = append(ops, PatchOp{Op: "replace", Path: "/fields/System.Reason", Value: reason})
	}

	path := fmt.Sprintf("/_apis/wit/workitems/%d?api-version=%s", id, apiVersion)
	var item WorkItem
	if err := c.doJSON(ctx, http.MethodPatch, path, "application/json-patch+json", ops, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// CreateItem creates a new work item of the given type from a field map.
func (c *Client) CreateItem(ctx context.Context, workItemType string, fields map[string]any) (*WorkItem, error) {
	ops := make([]PatchOp, 0, len(fields))
	for name, value := range fields {
		ops = append(ops, PatchOp{Op: "add", Path: "/fields/" + name, Value: value})
	}

	path := fmt.Sprintf("/_apis/wit/workitems/$%s?api-version=%s",
		url.PathEscape(workItemType), apiVersion)
	var item WorkItem
	if err := c.doJSON(ctx, http.MethodPost, path, "application/json-patch+json", ops, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// TestConnection verifies the credentials with a cheap metadata request.
func (c *Client) TestConnection(ctx context.Context) error {
	path := "/_apis/wit/workitemtypes?api-version=" + apiVersion
	var resp struct {
		Count int `json:"count"`
	}
	return c.doJSON(ctx, http.MethodGet, path, "", nil, &resp)
}

// doJSON issues a request with auth and retry, decoding a JSON response into
// out. Rate-limit and server errors are retried with backoff before being
// returned classified.
func (c *Client) doJSON(ctx context.Context, method, path, contentType string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffFor(lastErr, attempt)
			c.logger.Printf("Retrying %s %s in %v (attempt %d/%d)", method, path, wait, attempt, c.maxRetries)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doOnce(ctx, method, path, contentType, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path, contentType string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &Error{Kind: KindServerError, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	apiErr := &Error{
		Kind:       classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    errorMessage(resp.Body),
	}
	if apiErr.Kind == KindRateLimited {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// errorMessage extracts the service error message from a failure body.
func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	return strings.TrimSpace(string(data))
}

func isRetryable(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Kind == KindRateLimited || apiErr.Kind == KindServerError
}

func backoffFor(err error, attempt int) time.Duration {
	if wait := RetryAfterOf(err); wait > 0 {
		return wait
	}
	return time.Duration(1<<uint(attempt-1)) * time.Second
}
