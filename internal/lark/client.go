package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/edgard/chatmirror/internal/errs"
	"github.com/edgard/chatmirror/internal/resilience"
)

const (
	tokenPath = "/open-apis/auth/v3/tenant_access_token/internal"
	// tokenSlack refreshes the token this long before it expires.
	tokenSlack = 5 * time.Minute
)

// Token error codes returned when a tenant access token is invalid or expired.
var tokenErrorCodes = map[int]bool{99991661: true, 99991663: true, 99991668: true}

// APIError is a non-zero platform response code or an unexpected HTTP status.
type APIError struct {
	HTTPStatus int
	Code       int
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lark api error: status %d code %d: %s", e.HTTPStatus, e.Code, e.Msg)
}

// Config configures a Client.
type Config struct {
	BaseURL           string
	AppID             string
	AppSecret         string
	RequestsPerSecond float64
	Timeout           time.Duration
	DownloadTimeout   time.Duration
	HTTPClient        *http.Client
	Retry             resilience.RetryConfig
}

// Client implements API over HTTP.
type Client struct {
	baseURL   string
	appID     string
	appSecret string
	http      *http.Client
	policy    *resilience.Policy

	downloadTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a platform client. All calls share one rate limit and circuit breaker.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	cfg.Retry.Retryable = func(err error) bool { return !errs.IsTerminal(err) }

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		http:      httpClient,
		logger:    logger.With("component", "lark"),
		now:       time.Now,

		downloadTimeout: cfg.DownloadTimeout,
		policy: resilience.NewPolicy(resilience.PolicyConfig{
			Name:              "lark:" + cfg.AppID,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Breaker: resilience.BreakerConfig{
				Timeout:   cfg.Timeout,
				IsFailure: func(err error) bool { return !errs.IsTerminal(err) },
			},
			Retry: cfg.Retry,
		}, logger),
	}
}

// ListChildDepartments lists the direct children of a department.
func (c *Client) ListChildDepartments(ctx context.Context, parentID, pageToken string) (Page[Department], error) {
	q := url.Values{"department_id_type": {"department_id"}, "user_id_type": {"user_id"}, "page_size": {"50"}}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}

	var data pageData[departmentDTO]
	path := "/open-apis/contact/v3/departments/" + url.PathEscape(parentID) + "/children"
	if err := c.getJSON(ctx, path, q, &data); err != nil {
		return Page[Department]{}, fmt.Errorf("failed to list children of department %s: %w", parentID, err)
	}

	page := Page[Department]{HasMore: data.HasMore, PageToken: data.PageToken}
	for _, d := range data.Items {
		page.Items = append(page.Items, d.toDepartment())
	}
	return page, nil
}

// GetDepartment fetches a single department.
func (c *Client) GetDepartment(ctx context.Context, departmentID string) (Department, error) {
	q := url.Values{"department_id_type": {"department_id"}, "user_id_type": {"user_id"}}

	var data struct {
		Department departmentDTO `json:"department"`
	}
	path := "/open-apis/contact/v3/departments/" + url.PathEscape(departmentID)
	if err := c.getJSON(ctx, path, q, &data); err != nil {
		return Department{}, fmt.Errorf("failed to get department %s: %w", departmentID, err)
	}
	dept := data.Department.toDepartment()
	if dept.ID == "" {
		dept.ID = departmentID
	}
	return dept, nil
}

// ListDepartmentUsers lists the direct members of a department.
func (c *Client) ListDepartmentUsers(ctx context.Context, departmentID, pageToken string) (Page[User], error) {
	q := url.Values{
		"department_id":      {departmentID},
		"department_id_type": {"department_id"},
		"user_id_type":       {"user_id"},
		"page_size":          {"50"},
	}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}

	var data pageData[userDTO]
	if err := c.getJSON(ctx, "/open-apis/contact/v3/users/find_by_department", q, &data); err != nil {
		return Page[User]{}, fmt.Errorf("failed to list users of department %s: %w", departmentID, err)
	}

	page := Page[User]{HasMore: data.HasMore, PageToken: data.PageToken}
	for _, u := range data.Items {
		page.Items = append(page.Items, u.toUser())
	}
	return page, nil
}

// GetChat fetches chat metadata.
func (c *Client) GetChat(ctx context.Context, chatID string) (Chat, error) {
	q := url.Values{"user_id_type": {"open_id"}}

	var data chatDTO
	if err := c.getJSON(ctx, "/open-apis/im/v1/chats/"+url.PathEscape(chatID), q, &data); err != nil {
		return Chat{}, fmt.Errorf("failed to get chat %s: %w", chatID, err)
	}
	return Chat{
		ChatID:      chatID,
		Name:        data.Name,
		ChatMode:    data.ChatMode,
		OwnerID:     data.OwnerID,
		MemberCount: int(data.UserCount),
	}, nil
}

// ListChatMembers lists the members of a chat.
func (c *Client) ListChatMembers(ctx context.Context, chatID, pageToken string) (Page[ChatMember], error) {
	q := url.Values{"member_id_type": {"open_id"}, "page_size": {"100"}}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}

	var data pageData[chatMemberDTO]
	path := "/open-apis/im/v1/chats/" + url.PathEscape(chatID) + "/members"
	if err := c.getJSON(ctx, path, q, &data); err != nil {
		return Page[ChatMember]{}, fmt.Errorf("failed to list members of chat %s: %w", chatID, err)
	}

	page := Page[ChatMember]{HasMore: data.HasMore, PageToken: data.PageToken}
	for _, m := range data.Items {
		page.Items = append(page.Items, ChatMember(m))
	}
	return page, nil
}

// DownloadResource opens the transfer of a message attachment. The caller must close the body.
// resourceType is "image" or "file".
func (c *Client) DownloadResource(ctx context.Context, messageID, fileKey, resourceType string) (*Download, error) {
	path := "/open-apis/im/v1/messages/" + url.PathEscape(messageID) + "/resources/" + url.PathEscape(fileKey)
	q := url.Values{"type": {resourceType}}

	// The body outlives this call, so the transfer gets its own deadline released on Close
	// instead of the breaker's per-call timeout.
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, c.downloadTimeout)
	}

	var dl *Download
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		resp, err := c.send(ctx, http.MethodGet, path, q, nil)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK || isJSON(resp.Header.Get("Content-Type")) {
			defer resp.Body.Close()
			return c.checkToken(decodeEnvelope(resp, nil))
		}

		dl = &Download{
			Body:        &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
			Size:        resp.ContentLength,
			ContentType: resp.Header.Get("Content-Type"),
			FileName:    fileNameFromDisposition(resp.Header.Get("Content-Disposition")),
		}
		return nil
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to download resource %s of message %s: %w", fileKey, messageID, err)
	}
	return dl, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		resp, err := c.send(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return c.checkToken(decodeEnvelope(resp, out))
	})
}

// send performs an authorized request. An invalid token is dropped so the retry fetches a new one.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return nil, err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errs.NewDataError("failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.NewTransientError("request failed", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}
	return resp, nil
}

func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-tokenSlack)) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]string{"app_id": c.appID, "app_secret": c.appSecret})
	if err != nil {
		return "", errs.NewDataError("failed to encode token request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, bytes.NewReader(payload))
	if err != nil {
		return "", errs.NewDataError("failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.NewTransientError("token request failed", err)
	}
	defer resp.Body.Close()

	var out struct {
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
		Token  string `json:"tenant_access_token"`
		Expire int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", classify(resp.StatusCode, 0, fmt.Sprintf("failed to decode token response: %v", err))
	}
	if out.Code != 0 || out.Token == "" {
		return "", classify(resp.StatusCode, out.Code, out.Msg)
	}

	c.token = out.Token
	c.tokenExpiry = c.now().Add(time.Duration(out.Expire) * time.Second)
	c.logger.DebugContext(ctx, "Tenant access token refreshed", "expires_in", out.Expire)
	return c.token, nil
}

// checkToken drops the cached token when the platform rejected it.
func (c *Client) checkToken(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && tokenErrorCodes[apiErr.Code] {
		c.invalidateToken()
	}
	return err
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// decodeEnvelope checks the response code and decodes data into out (if non-nil).
func decodeEnvelope(resp *http.Response, out any) error {
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return classify(resp.StatusCode, 0, http.StatusText(resp.StatusCode))
		}
		return errs.NewDataError("failed to decode response", err)
	}
	if env.Code != 0 || resp.StatusCode != http.StatusOK {
		return classify(resp.StatusCode, env.Code, env.Msg)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.NewDataError("failed to decode response data", err)
	}
	return nil
}

// classify maps a failed response onto the error taxonomy: throttling, server errors and
// token expiry are transient; everything else is a data error that retrying won't fix.
func classify(status, code int, msg string) error {
	apiErr := &APIError{HTTPStatus: status, Code: code, Msg: msg}
	switch {
	case tokenErrorCodes[code], status == http.StatusUnauthorized:
		return errs.NewTransientError("tenant token rejected", apiErr)
	case status == http.StatusTooManyRequests, status >= 500, code == 99991400:
		return errs.NewTransientError("platform unavailable", apiErr)
	default:
		return errs.NewDataError("request rejected", apiErr)
	}
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

func fileNameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// IsNotFound reports whether err is a platform rejection for a missing object.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.HTTPStatus == http.StatusNotFound || strings.Contains(strings.ToLower(apiErr.Msg), "not found")
}

var _ API = (*Client)(nil)
