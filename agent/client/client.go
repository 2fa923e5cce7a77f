// Package client is the agent side of the forgeci remoting protocol.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/remoting"
)

const applicationJSON = "application/json"

// Options tunes the retry behaviour. Zero values use the defaults.
type Options struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d %s", e.StatusCode, e.Code)
}

// IsDuplicateUUID reports whether the server saw another agent with our UUID.
func IsDuplicateUUID(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusConflict && se.Code == "duplicate_uuid"
}

// RetryAfter returns how long the server asked us to wait, if it did.
func RetryAfter(err error) (time.Duration, bool) {
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		return se.RetryAfter, true
	}
	return 0, false
}

// Client talks to one control plane. Transport failures and 5xx answers are
// retried with the same payload; every protocol call is safe to repeat.
type Client struct {
	baseURL string
	http    *retryablehttp.Client

	mu    sync.RWMutex
	token string
}

func New(baseURL string, opts Options) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 5
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = nil // suppress default logging
	rc.CheckRetry = checkRetry
	if opts.RetryMax > 0 {
		rc.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

// checkRetry leaves 429 to the caller, who knows how long to back off.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// SetToken sets the bearer token used for remoting calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Register announces the agent and stores the token it is given.
func (c *Client) Register(ctx context.Context, identity domain.AgentIdentity, resources []string) (*remoting.RegisterResponse, error) {
	var resp remoting.RegisterResponse
	body, err := json.Marshal(remoting.RegisterRequest{Identity: identity, Resources: resources})
	if err != nil {
		return nil, fmt.Errorf("marshal register request: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/agent/register", applicationJSON, body, &resp); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	c.SetToken(resp.Token)
	return &resp, nil
}

func (c *Client) GetCookie(ctx context.Context, identity domain.AgentIdentity, location string) (string, error) {
	var resp remoting.GetCookieResponse
	err := c.call(ctx, remoting.MethodGetCookie, remoting.GetCookieParams{Identity: identity, Location: location}, &resp)
	return resp.Cookie, err
}

func (c *Client) Ping(ctx context.Context, info domain.AgentRuntimeInfo) (domain.Instruction, error) {
	var resp remoting.PingResponse
	if err := c.call(ctx, remoting.MethodPing, remoting.PingParams{RuntimeInfo: info}, &resp); err != nil {
		return domain.InstructionNone, err
	}
	return resp.Instruction, nil
}

func (c *Client) GetWork(ctx context.Context, info domain.AgentRuntimeInfo) (domain.Work, error) {
	var work domain.Work
	err := c.call(ctx, remoting.MethodGetWork, remoting.GetWorkParams{RuntimeInfo: info}, &work)
	return work, err
}

func (c *Client) ReportCurrentStatus(ctx context.Context, info domain.AgentRuntimeInfo, job domain.JobIdentifier, state domain.JobState) error {
	return c.call(ctx, remoting.MethodReportCurrentStatus, remoting.ReportStatusParams{RuntimeInfo: info, Job: job, State: state}, nil)
}

func (c *Client) ReportCompleting(ctx context.Context, info domain.AgentRuntimeInfo, job domain.JobIdentifier, result domain.JobResult) error {
	return c.call(ctx, remoting.MethodReportCompleting, remoting.ReportResultParams{RuntimeInfo: info, Job: job, Result: result}, nil)
}

func (c *Client) ReportCompleted(ctx context.Context, info domain.AgentRuntimeInfo, job domain.JobIdentifier, result domain.JobResult) error {
	return c.call(ctx, remoting.MethodReportCompleted, remoting.ReportResultParams{RuntimeInfo: info, Job: job, Result: result}, nil)
}

func (c *Client) IsIgnored(ctx context.Context, job domain.JobIdentifier) (bool, error) {
	var resp remoting.IsIgnoredResponse
	err := c.call(ctx, remoting.MethodIsIgnored, remoting.IsIgnoredParams{Job: job}, &resp)
	return resp.Ignored, err
}

// AppendConsole uploads one chunk of console output.
func (c *Client) AppendConsole(ctx context.Context, buildID int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	path := "/remoting/console/" + strconv.FormatInt(buildID, 10)
	return c.do(ctx, http.MethodPut, path, "text/plain; charset=utf-8", data, nil)
}

func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	body, err := json.Marshal(remoting.Envelope{Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", method, err)
	}
	if err := c.do(ctx, http.MethodPost, "/remoting/agent", applicationJSON, body, out); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", applicationJSON)
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return statusError(resp, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response, data []byte) error {
	se := &StatusError{StatusCode: resp.StatusCode}
	var body remoting.ErrorResponse
	if json.Unmarshal(data, &body) == nil {
		se.Code = body.Error
		se.Message = body.Message
	}
	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
		se.RetryAfter = time.Duration(seconds) * time.Second
	}
	return se
}
