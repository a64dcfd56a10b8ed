package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

var (
	// ErrAssistantNotFound means the assistant behind a run no longer exists.
	ErrAssistantNotFound = errors.New("openai: assistant not found")
	// ErrThreadNotFound means the conversation thread no longer exists.
	ErrThreadNotFound = errors.New("openai: thread not found")
	// ErrRunFailed means every run attempt ended without completing.
	ErrRunFailed = errors.New("openai: run did not complete")
)

const (
	defaultAssistantName = "nl2sql-worker"
	defaultPollInterval  = time.Second
	defaultRunAttempts   = 3
	defaultLastMessages  = 3
)

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// Getter reads parameters from the parameter store.
type Getter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Op         string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.Op, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// settings are the per-deployment values kept in the parameter store.
type settings struct {
	apiKey       string
	model        string
	instructions string
}

// Client talks to the Assistants API. Credentials, model and instructions are
// read from the parameter store on first use and reused afterwards.
type Client struct {
	getter      Getter
	paramPrefix string

	baseURL       string
	httpClient    *http.Client
	assistantName string
	tools         ToolExecutor
	pollInterval  time.Duration
	runAttempts   int
	lastMessages  int64
	logger        *slog.Logger

	mu       sync.Mutex
	resolved bool
	api      openai.Client
	cfg      settings
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToolExecutor answers the function calls a run asks for.
func WithToolExecutor(t ToolExecutor) Option {
	return func(c *Client) {
		c.tools = t
	}
}

func WithAssistantName(name string) Option {
	return func(c *Client) {
		if name = strings.TrimSpace(name); name != "" {
			c.assistantName = name
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithRunAttempts bounds how many runs are started for one question when runs fail.
func WithRunAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.runAttempts = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Client backed by the given parameter store getter.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		getter:        ps,
		paramPrefix:   paramPrefix,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		assistantName: defaultAssistantName,
		tools:         noTools{},
		pollInterval:  defaultPollInterval,
		runAttempts:   defaultRunAttempts,
		lastMessages:  defaultLastMessages,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tools == nil {
		c.tools = noTools{}
	}
	return c, nil
}

func (c *Client) tokenParameterName() string        { return c.paramPrefix + "/open-ai-token" }
func (c *Client) modelParameterName() string        { return c.paramPrefix + "/assistant-model" }
func (c *Client) instructionsParameterName() string { return c.paramPrefix + "/assistant-instructions" }

// resolve loads settings on first use and keeps them once a load succeeds.
// A failed load is attempted again on the next call.
func (c *Client) resolve(ctx context.Context) (*openai.Client, settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return &c.api, c.cfg, nil
	}
	cfg, err := c.loadSettings(ctx)
	if err != nil {
		return nil, settings{}, err
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.apiKey),
		// Retries are owned by the worker: runs are retried here, requests by redelivery.
		option.WithMaxRetries(1),
	}
	if c.baseURL != "" {
		opts = append(opts, option.WithBaseURL(c.baseURL))
	}
	if c.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(c.httpClient))
	}
	c.api = openai.NewClient(opts...)
	c.cfg = cfg
	c.resolved = true
	return &c.api, c.cfg, nil
}

func (c *Client) loadSettings(ctx context.Context) (settings, error) {
	vals, err := c.getter.GetParameters(ctx,
		c.tokenParameterName(),
		c.modelParameterName(),
		c.instructionsParameterName(),
	)
	if err != nil {
		return settings{}, fmt.Errorf("openai: fetch settings from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(vals[c.tokenParameterName()]), &tp); err != nil {
		return settings{}, fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return settings{}, errors.New("openai: API token is empty")
	}
	s := settings{
		apiKey:       tp.Token,
		model:        strings.TrimSpace(vals[c.modelParameterName()]),
		instructions: vals[c.instructionsParameterName()],
	}
	if s.model == "" {
		return settings{}, errors.New("openai: assistant model is empty")
	}
	return s, nil
}

// CreateAssistant creates an assistant with the configured model, instructions
// and the executor's function tools.
func (c *Client) CreateAssistant(ctx context.Context) (string, error) {
	api, cfg, err := c.resolve(ctx)
	if err != nil {
		return "", err
	}
	tools := []openai.AssistantToolUnionParam{
		{OfCodeInterpreter: &openai.CodeInterpreterToolParam{}},
	}
	for _, fn := range c.tools.Functions() {
		tools = append(tools, openai.AssistantToolUnionParam{OfFunction: &openai.FunctionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        fn.Name,
				Description: openai.String(fn.Description),
				Parameters:  shared.FunctionParameters(fn.Parameters),
			},
		}})
	}
	asst, err := api.Beta.Assistants.New(ctx, openai.BetaAssistantNewParams{
		Model:        cfg.model,
		Name:         openai.String(c.assistantName),
		Instructions: openai.String(cfg.instructions),
		Tools:        tools,
	})
	if err != nil {
		return "", fmt.Errorf("openai: create assistant: %w", statusError("create assistant", err))
	}
	return asst.ID, nil
}

// AssistantExists reports whether the assistant can still be retrieved.
func (c *Client) AssistantExists(ctx context.Context, assistantID string) (bool, error) {
	api, _, err := c.resolve(ctx)
	if err != nil {
		return false, err
	}
	if _, err := api.Beta.Assistants.Get(ctx, assistantID); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("openai: get assistant: %w", statusError("get assistant", err))
	}
	return true, nil
}

// DeleteAssistant deletes the assistant. Deleting a missing assistant succeeds.
func (c *Client) DeleteAssistant(ctx context.Context, assistantID string) error {
	api, _, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	if _, err := api.Beta.Assistants.Delete(ctx, assistantID); err != nil && !isNotFound(err) {
		return fmt.Errorf("openai: delete assistant: %w", statusError("delete assistant", err))
	}
	return nil
}

// CreateThread starts a new, empty conversation.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	api, _, err := c.resolve(ctx)
	if err != nil {
		return "", err
	}
	th, err := api.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", fmt.Errorf("openai: create thread: %w", statusError("create thread", err))
	}
	return th.ID, nil
}

func isNotFound(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// statusError converts an SDK API error into an HTTPStatusError so callers can
// classify it without importing the SDK. Other errors pass through.
func statusError(op string, err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	return &HTTPStatusError{StatusCode: apiErr.StatusCode, Op: op, Body: apiErr.Message}
}
