// Package ticketapi is the HTTP client for the ticket and file services: it
// loads conversation history, appends comments, and uploads attachments.
package ticketapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/ticketchat/internal/logging"
	"github.com/kubilitics/ticketchat/internal/models"
	"github.com/kubilitics/ticketchat/internal/tracing"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultHistoryRetries = 3

	// PurposeChatAttachment tags uploads made from the chat composer.
	PurposeChatAttachment = "chat_attachment"
)

// ErrDecode marks a response body that could not be parsed.
var ErrDecode = errors.New("decode response")

// APIError is returned for non-2xx responses.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, truncate(e.Body, 200))
}

// Temporary reports whether retrying the request could succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config configures a Client.
type Config struct {
	// BaseURL is the ticket service root, e.g. "http://localhost:8002".
	BaseURL string
	// FilesBaseURL is the file service root. Uploads fail when it is empty.
	FilesBaseURL string
	// Timeout bounds every request.
	Timeout time.Duration
	// HistoryRetries is the number of history fetch attempts.
	HistoryRetries int
	// RetryBaseDelay is the first wait between history attempts.
	RetryBaseDelay time.Duration

	// HTTPClient overrides the default client, which traces every request.
	HTTPClient *http.Client
	// TracerProvider receives client spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
	Logger         *zap.Logger
}

// Client talks to the ticket and file services on behalf of one participant.
type Client struct {
	baseURL        string
	filesURL       string
	token          string
	httpClient     *http.Client
	historyTries   uint
	retryBaseDelay time.Duration
	logger         *zap.Logger
}

// New creates a client that authenticates with the bearer token.
func New(cfg Config, token string) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ticket service base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid ticket service base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HistoryRetries <= 0 {
		cfg.HistoryRetries = defaultHistoryRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: tracing.Transport(nil, cfg.TracerProvider),
		}
	}

	return &Client{
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		filesURL:       strings.TrimSuffix(cfg.FilesBaseURL, "/"),
		token:          token,
		httpClient:     httpClient,
		historyTries:   uint(cfg.HistoryRetries),
		retryBaseDelay: cfg.RetryBaseDelay,
		logger:         logging.OrNop(cfg.Logger).Named("ticketapi"),
	}, nil
}

func commentsPath(ticketID string) string {
	return "/api/tickets/" + url.PathEscape(ticketID) + "/comments/"
}

// History returns the ticket's comments in server order. Network failures and
// 5xx responses are retried with exponential backoff; other errors are final.
func (c *Client) History(ctx context.Context, ticketID string) ([]models.Comment, error) {
	path := commentsPath(ticketID)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBaseDelay

	comments, err := backoff.Retry(ctx, func() ([]models.Comment, error) {
		var out []models.Comment
		err := c.doJSON(ctx, http.MethodGet, c.baseURL, path, nil, &out)
		if err == nil {
			return out, nil
		}
		var apiErr *APIError
		if (errors.As(err, &apiErr) && !apiErr.Temporary()) || errors.Is(err, ErrDecode) {
			return nil, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.historyTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("History fetch failed, retrying",
				zap.String("conversation_id", ticketID),
				zap.Duration("delay", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load history for ticket %s: %w", ticketID, err)
	}
	if comments == nil {
		comments = []models.Comment{}
	}
	return comments, nil
}

// AddComment appends a comment durably. It is attempted exactly once.
func (c *Client) AddComment(ctx context.Context, ticketID, content string) (models.Comment, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return models.Comment{}, fmt.Errorf("encode comment: %w", err)
	}

	var out models.Comment
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL, commentsPath(ticketID), bytes.NewReader(body), &out); err != nil {
		return models.Comment{}, fmt.Errorf("append comment to ticket %s: %w", ticketID, err)
	}
	return out, nil
}

// Upload sends a file to the file service as multipart form data.
func (c *Client) Upload(ctx context.Context, ticketID, filename string, content io.Reader, purpose string) (models.Attachment, error) {
	if c.filesURL == "" {
		return models.Attachment{}, fmt.Errorf("file service base URL is not configured")
	}
	if purpose == "" {
		purpose = PurposeChatAttachment
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return models.Attachment{}, fmt.Errorf("read %s: %w", filename, err)
	}
	_ = form.WriteField("purpose", purpose)
	if ticketID != "" {
		_ = form.WriteField("ticket_id", ticketID)
	}
	if err := form.Close(); err != nil {
		return models.Attachment{}, fmt.Errorf("finish form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.filesURL, "/api/v1/files/upload", &buf)
	if err != nil {
		return models.Attachment{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var out models.Attachment
	if err := c.do(req, &out); err != nil {
		return models.Attachment{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	if out.Filename == "" {
		out.Filename = filename
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, base, path string, body io.Reader, out interface{}) error {
	req, err := c.newRequest(ctx, method, base, path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, base, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s %s: %w: %v", req.Method, req.URL.Path, ErrDecode, err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
