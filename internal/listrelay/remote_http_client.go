package listrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type RemoteHTTPClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	// Timeout bounds each remote call; a hung call surfaces as ReasonTimeout.
	Timeout time.Duration
}

// HTTPRemoteClient talks to the remote list service over its JSON API. It
// performs no retries of its own: every failure is returned as a tagged
// RemoteError and the processor decides what to do with it.
type HTTPRemoteClient struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	timeout    time.Duration
}

func NewHTTPRemoteClient(opts RemoteHTTPClientOptions) *HTTPRemoteClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8081"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPRemoteClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		timeout:    timeout,
	}
}

func (c *HTTPRemoteClient) CreateCollection(ctx context.Context, session Session, attrs CollectionAttrs) (RemoteResult, error) {
	var out RemoteResult
	err := c.doJSON(ctx, session, http.MethodPost, "/v1/collections", attrs, &out)
	return out, err
}

func (c *HTTPRemoteClient) UpdateCollection(ctx context.Context, session Session, targetID string, attrs CollectionAttrs) error {
	return c.doJSON(ctx, session, http.MethodPatch, "/v1/collections/"+url.PathEscape(targetID), attrs, nil)
}

func (c *HTTPRemoteClient) DeleteCollection(ctx context.Context, session Session, targetID string) error {
	return c.doJSON(ctx, session, http.MethodDelete, "/v1/collections/"+url.PathEscape(targetID), nil, nil)
}

func (c *HTTPRemoteClient) ClearCollection(ctx context.Context, session Session, targetID string) error {
	return c.doJSON(ctx, session, http.MethodPost, "/v1/collections/"+url.PathEscape(targetID)+"/clear", nil, nil)
}

func (c *HTTPRemoteClient) AddItem(ctx context.Context, session Session, targetID string, itemID int64) error {
	path := fmt.Sprintf("/v1/collections/%s/items/%d", url.PathEscape(targetID), itemID)
	return c.doJSON(ctx, session, http.MethodPut, path, nil, nil)
}

func (c *HTTPRemoteClient) RemoveItem(ctx context.Context, session Session, targetID string, itemID int64) error {
	path := fmt.Sprintf("/v1/collections/%s/items/%d", url.PathEscape(targetID), itemID)
	return c.doJSON(ctx, session, http.MethodDelete, path, nil, nil)
}

func (c *HTTPRemoteClient) FetchEntity(ctx context.Context, session Session, entityType, entityID string, filters map[string]string) (json.RawMessage, error) {
	q := url.Values{}
	for key, value := range filters {
		q.Set(key, value)
	}
	path := fmt.Sprintf("/v1/%s/%s", url.PathEscape(entityType), url.PathEscape(entityID))
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, session, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPRemoteClient) doJSON(ctx context.Context, session Session, method, path string, body, out any) error {
	if c == nil {
		return &RemoteError{Reason: ReasonNetwork, Detail: "remote client is nil"}
	}
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+session.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &RemoteError{Reason: ReasonTimeout, Detail: err.Error()}
		}
		return &RemoteError{Reason: ReasonNetwork, Detail: err.Error()}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &RemoteError{Reason: ReasonNetwork, Detail: readErr.Error()}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return &RemoteError{Reason: ReasonServerError, StatusCode: resp.StatusCode, Detail: "malformed response body"}
			}
		}
		return nil
	}
	return classifyStatus(resp.StatusCode, respBody, resp.Header.Get("Retry-After"))
}

func classifyStatus(status int, body []byte, retryAfterHeader string) *RemoteError {
	detail := strings.TrimSpace(string(body))
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
		detail = parsed.Message
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &RemoteError{Reason: ReasonUnauthorized, StatusCode: status, Detail: detail}
	case status == http.StatusNotFound:
		return &RemoteError{Reason: ReasonNotFound, StatusCode: status, Detail: detail}
	case status == http.StatusTooManyRequests:
		return &RemoteError{
			Reason:     ReasonRateLimited,
			StatusCode: status,
			Detail:     detail,
			RetryAfter: parseRetryAfterSeconds(retryAfterHeader),
		}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusConflict:
		return &RemoteError{Reason: ReasonValidation, StatusCode: status, Detail: detail}
	case status >= 500:
		return &RemoteError{Reason: ReasonServerError, StatusCode: status, Detail: detail}
	default:
		return &RemoteError{Reason: ReasonServerError, StatusCode: status, Detail: detail}
	}
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
