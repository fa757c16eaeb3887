// Package llm calls an OpenAI-compatible chat completions endpoint with the
// shared default credential.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	jsonpkg "roamii/internal/pkg/json"
)

const (
	DefaultMaxTokens   = 1000
	defaultTemperature = 0.7
	defaultTimeout     = 60 * time.Second
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages  []Message
	MaxTokens int
}

type Completion struct {
	Content string
	Model   string
}

// Completer produces one chat completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// UpstreamError is a non-2xx answer from the provider.
type UpstreamError struct {
	StatusCode int
	Status     string
	// Details is the provider's error message, if it sent one.
	Details string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("OpenAI API error: %d %s", e.StatusCode, e.Status)
}

// Client is a Completer over fasthttp.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	http    *fasthttp.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying fasthttp client, e.g. to dial an
// in-memory listener.
func WithHTTPClient(c *fasthttp.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

func NewClient(baseURL, apiKey, model string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		timeout: defaultTimeout,
		http:    &fasthttp.Client{Name: "roamii"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model requested from the provider.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Complete(ctx context.Context, in Request) (Completion, error) {
	if len(in.Messages) == 0 {
		return Completion{}, errors.New("at least one message is required")
	}
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	body, err := jsonpkg.Marshal(chatRequest{
		Model:       c.model,
		Messages:    in.Messages,
		MaxTokens:   maxTokens,
		Temperature: defaultTemperature,
	})
	if err != nil {
		return Completion{}, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/chat/completions")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.SetBody(body)

	if err := c.do(ctx, req, resp); err != nil {
		return Completion{}, fmt.Errorf("chat completion request: %w", err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		ue := &UpstreamError{StatusCode: status, Status: fasthttp.StatusMessage(status), Details: "Unknown error"}
		var er errorResponse
		if jsonpkg.Unmarshal(resp.Body(), &er) == nil && er.Error.Message != "" {
			ue.Details = er.Error.Message
		}
		return Completion{}, ue
	}

	var out chatResponse
	if err := jsonpkg.Unmarshal(resp.Body(), &out); err != nil {
		return Completion{}, fmt.Errorf("decode chat completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return Completion{}, errors.New("chat completion has no choices")
	}
	return Completion{Content: out.Choices[0].Message.Content, Model: out.Model}, nil
}

// do bounds the request by the earlier of ctx's deadline and the client
// timeout; fasthttp itself takes no context.
func (c *Client) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.http.DoDeadline(req, resp, deadline)
}
