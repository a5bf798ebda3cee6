package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 60 * time.Second
	maxErrorBodySize = 1 << 20
	syncPath         = "/sync"
	changesPath      = "/sync/changes"
)

var (
	errMissingBaseURL     = errors.New("syncclient: base url is required")
	errMissingTokenSource = errors.New("syncclient: token source is required")
)

// TokenSource returns the session token to present to the server.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Config describes how to reach the journal API.
type Config struct {
	BaseURL    string
	Token      TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the journal sync API over HTTP.
type Client struct {
	baseURL *url.URL
	token   TokenSource
	http    *http.Client
	logger  *zap.Logger
}

// ResponseError is a non-success HTTP answer that maps to no journal error type.
type ResponseError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *ResponseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("syncclient: server returned status %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("syncclient: server returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *ResponseError) Retryable() bool {
	switch {
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

type errorPayload struct {
	Error       string   `json:"error"`
	Field       string   `json:"field"`
	Reason      string   `json:"reason"`
	Operation   string   `json:"operation"`
	DataClasses []string `json:"data_classes"`
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("syncclient: invalid base url: %w", err)
	}
	if cfg.Token == nil {
		return nil, errMissingTokenSource
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, token: cfg.Token, http: httpClient, logger: logger}, nil
}

// Submit posts a sync request. Validation and consent rejections come back as
// *journal.ValidationError and *journal.ConsentError.
func (c *Client) Submit(ctx context.Context, payload journal.SyncRequestPayload) (journal.SyncResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return journal.SyncResult{}, fmt.Errorf("syncclient: encode request: %w", err)
	}
	var result journal.SyncResult
	if err := c.do(ctx, http.MethodPost, c.endpoint(syncPath, nil), body, &result); err != nil {
		return journal.SyncResult{}, err
	}
	return result, nil
}

// Changes pulls the server delta after token without submitting anything.
func (c *Client) Changes(ctx context.Context, token string) (journal.ChangesResult, error) {
	query := url.Values{}
	if token != "" {
		query.Set("token", token)
	}
	var result journal.ChangesResult
	if err := c.do(ctx, http.MethodGet, c.endpoint(changesPath, query), nil, &result); err != nil {
		return journal.ChangesResult{}, err
	}
	return result, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	target.RawQuery = query.Encode()
	return target.String()
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("syncclient: obtain token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("syncclient: build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("syncclient: %s %s: %w", method, target, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		responseErr := decodeErrorResponse(response)
		c.logger.Warn("sync api request rejected",
			zap.String("method", method),
			zap.Int("status", response.StatusCode),
			zap.Error(responseErr))
		return responseErr
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("syncclient: decode response: %w", err)
	}
	return nil
}

func decodeErrorResponse(response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
	var payload errorPayload
	_ = json.Unmarshal(raw, &payload)

	switch response.StatusCode {
	case http.StatusBadRequest:
		field := payload.Field
		if field == "" {
			field = "payload"
		}
		reason := payload.Reason
		if reason == "" {
			reason = payload.Error
		}
		return &journal.ValidationError{Field: field, Reason: reason}
	case http.StatusForbidden:
		return &journal.ConsentError{Operation: payload.Operation, DataClasses: payload.DataClasses}
	default:
		return &ResponseError{
			StatusCode: response.StatusCode,
			Code:       payload.Error,
			Body:       strings.TrimSpace(string(raw)),
		}
	}
}
