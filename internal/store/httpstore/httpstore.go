// Package httpstore is a store.Gateway that talks to a remote roamii server
// over its visitor-data endpoints.
package httpstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	jsonpkg "roamii/internal/pkg/json"
	"roamii/internal/store"
	"roamii/internal/visitor"
)

const defaultTimeout = 10 * time.Second

// StatusError is an unexpected answer from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("visitor server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("visitor server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	timeout time.Duration
	http    *fasthttp.Client
}

type Option func(*Client)

func WithHTTPClient(c *fasthttp.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: defaultTimeout,
		http:    &fasthttp.Client{Name: "roamii"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load fetches the record of visitorID. A 404 is store.ErrNotFound; a body
// that does not decode matches both store.ErrNotFound and store.ErrMalformed.
func (c *Client) Load(ctx context.Context, visitorID string) (*visitor.Record, error) {
	body, err := jsonpkg.Marshal(map[string]string{"visitorId": visitorID})
	if err != nil {
		return nil, err
	}
	code, resp, err := c.post(ctx, "/api/visitor-data", body)
	if err != nil {
		return nil, err
	}
	switch {
	case code == fasthttp.StatusNotFound:
		return nil, store.ErrNotFound
	case code != fasthttp.StatusOK:
		return nil, statusError(code, resp)
	}

	var rec visitor.Record
	if err := jsonpkg.Unmarshal(resp, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", store.ErrNotFound, store.ErrMalformed, err)
	}
	return &rec, nil
}

// Save uploads rec as-is.
func (c *Client) Save(ctx context.Context, rec *visitor.Record) (store.SaveResult, error) {
	body, err := jsonpkg.Marshal(rec)
	if err != nil {
		return store.SaveResult{}, err
	}
	code, resp, err := c.post(ctx, "/api/save-visitor-data", body)
	if err != nil {
		return store.SaveResult{}, err
	}
	if code != fasthttp.StatusOK {
		return store.SaveResult{}, statusError(code, resp)
	}
	var out struct {
		Success      bool `json:"success"`
		IsNewVisitor bool `json:"isNewVisitor"`
	}
	if err := jsonpkg.Unmarshal(resp, &out); err != nil {
		return store.SaveResult{}, fmt.Errorf("decode save response: %w", err)
	}
	if !out.Success {
		return store.SaveResult{}, &StatusError{StatusCode: code, Message: "save not acknowledged"}
	}
	return store.SaveResult{IsNewVisitor: out.IsNewVisitor}, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, fmt.Errorf("visitor server request %s: %w", path, err)
	}
	// resp is released on return.
	return resp.StatusCode(), append([]byte(nil), resp.Body()...), nil
}

func statusError(code int, body []byte) error {
	var er struct {
		Error string `json:"error"`
	}
	_ = jsonpkg.Unmarshal(body, &er)
	return &StatusError{StatusCode: code, Message: er.Error}
}
