package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"farmtrack/internal/domain"
)

// Client is the farm operations REST API client.
type Client struct {
	http  *resty.Client
	token func() string
	log   *zap.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Logger  *zap.Logger
	// HTTPClient overrides the transport; nil uses resty's default.
	HTTPClient *http.Client
}

// New creates a client with sane defaults.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetLogger(log.Sugar())
	return &Client{http: rc, log: log}
}

// WithToken returns a client sharing the transport that authenticates every
// request with the bearer token src yields.
func (c *Client) WithToken(src func() string) *Client {
	cp := *c
	cp.token = src
	return &cp
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	// Message is the server-provided error text, if any.
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a 401 from the API, which signals an
// invalid or expired session.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// Message returns the most specific server message carried by err, or
// fallback when the server gave none.
func Message(err error, fallback string) string {
	var ae *APIError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return fallback
}

// LoginResponse is the body of a successful login.
type LoginResponse struct {
	User  domain.Identity `json:"user"`
	Token string          `json:"token"`
}

// Login exchanges credentials for an identity and a session token.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResponse, error) {
	var resp LoginResponse
	body := map[string]string{
		"username": username,
		"password": password,
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, JSON(body), &resp)
	return resp, err
}

// Register creates a user account.
func (c *Client) Register(ctx context.Context, p Payload) (domain.User, error) {
	var resp domain.User
	err := c.do(ctx, http.MethodPost, "/api/auth/register", nil, p.structured(), &resp)
	return resp, err
}

// Dashboard returns the role-shaped summary for the current identity.
func (c *Client) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	var resp domain.Dashboard
	err := c.do(ctx, http.MethodGet, "/api/dashboard", nil, nil, &resp)
	return resp, err
}

// ListActivities returns activities matching q in server order.
func (c *Client) ListActivities(ctx context.Context, q url.Values) ([]domain.Activity, error) {
	var resp []domain.Activity
	err := c.do(ctx, http.MethodGet, "/api/activities", q, nil, &resp)
	return resp, err
}

// CreateActivity posts an activity; a payload with files goes as multipart.
func (c *Client) CreateActivity(ctx context.Context, p Payload) (domain.Activity, error) {
	var resp domain.Activity
	err := c.do(ctx, http.MethodPost, "/api/activities", nil, &p, &resp)
	return resp, err
}

func (c *Client) UpdateActivity(ctx context.Context, id string, p Payload) (domain.Activity, error) {
	var resp domain.Activity
	err := c.do(ctx, http.MethodPut, "/api/activities/"+url.PathEscape(id), nil, &p, &resp)
	return resp, err
}

func (c *Client) DeleteActivity(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/activities/"+url.PathEscape(id), nil, nil, nil)
}

// ListTasks returns tasks matching q in server order.
func (c *Client) ListTasks(ctx context.Context, q url.Values) ([]domain.Task, error) {
	var resp []domain.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks", q, nil, &resp)
	return resp, err
}

// CreateTask posts a task. Tasks never carry attachments.
func (c *Client) CreateTask(ctx context.Context, p Payload) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", nil, p.structured(), &resp)
	return resp, err
}

// UpdateTask sends a full or partial task update.
func (c *Client) UpdateTask(ctx context.Context, id string, p Payload) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(id), nil, p.structured(), &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil, nil)
}

// ListUsers returns the users visible to the current identity.
func (c *Client) ListUsers(ctx context.Context) ([]domain.User, error) {
	var resp []domain.User
	err := c.do(ctx, http.MethodGet, "/api/users", nil, nil, &resp)
	return resp, err
}

// ListManagers returns every Manager account.
func (c *Client) ListManagers(ctx context.Context) ([]domain.User, error) {
	var resp []domain.User
	err := c.do(ctx, http.MethodGet, "/api/users/role/manager", nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, q url.Values, body *Payload, out any) error {
	req := c.http.R().SetContext(ctx)
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.SetAuthToken(tok)
		}
	}
	if len(q) > 0 {
		req.SetQueryParamsFromValues(q)
	}
	if body != nil {
		body.apply(req)
	}
	resp, err := req.Execute(method, endpoint)
	if err != nil {
		c.log.Warn("api request failed",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if resp.IsError() || resp.StatusCode() >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode(),
			Body:       string(resp.Body()),
			Message:    serverMessage(resp.Body()),
		}
		c.log.Debug("api error response",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Int("status_code", apiErr.StatusCode),
		)
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(resp.Body())) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
	}
	return nil
}

// serverMessage extracts {"error": "..."} or {"message": "..."} from an error
// body.
func serverMessage(body []byte) string {
	var env struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	var s string
	if len(env.Error) > 0 && json.Unmarshal(env.Error, &s) == nil && s != "" {
		return s
	}
	var nested struct {
		Message string `json:"message"`
	}
	if len(env.Error) > 0 && json.Unmarshal(env.Error, &nested) == nil && nested.Message != "" {
		return nested.Message
	}
	return env.Message
}
