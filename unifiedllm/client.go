package unifiedllm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Middleware wraps a provider call. It receives the request and a next function
// that calls the downstream handler, and returns the response.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// StreamMiddleware wraps a streaming provider call.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// Client is the core orchestration layer. It holds registered provider adapters,
// routes requests by provider identifier, applies middleware, retries
// transient failures and keeps the cumulative token usage of the session.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	streamMW        []StreamMiddleware
	retryPolicy     RetryPolicy
	usage           TokenUsage
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware to the client.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithStreamMiddleware adds stream middleware to the client.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) {
		c.streamMW = append(c.streamMW, mw...)
	}
}

// WithRetryPolicy replaces the default retry policy used by Send.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retryPolicy = p
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers:   make(map[string]ProviderAdapter),
		retryPolicy: DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// resolveProvider determines which provider adapter to use for a request.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		// Try to infer from model catalog.
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Complete sends a blocking request through middleware to the resolved provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}

	// Ensure provider is set on request.
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	// Build the middleware chain.
	handler := func(ctx context.Context, r Request) (*Response, error) {
		return adapter.Complete(ctx, r)
	}

	// Apply middleware in reverse order so first registered runs first.
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}

	return handler(ctx, req)
}

// Stream sends a streaming request through middleware to the resolved provider.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}

	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	handler := func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
		return adapter.Stream(ctx, r)
	}

	for i := len(c.streamMW) - 1; i >= 0; i-- {
		mw := c.streamMW[i]
		next := handler
		handler = func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
			return mw(ctx, r, next)
		}
	}

	return handler(ctx, req)
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Result is what Send hands back to the loop for one model turn.
type Result struct {
	Message      Message
	FinishReason string
	Usage        Usage
}

// SendOption configures a single Send call.
type SendOption func(*sendOptions)

type sendOptions struct {
	onDelta   func(string)
	onRetry   func(err error, attempt int, delay time.Duration)
	onDiscard func(err error)
}

// OnTextDelta registers a callback for streamed text as it arrives.
func OnTextDelta(fn func(string)) SendOption {
	return func(o *sendOptions) { o.onDelta = fn }
}

// OnRetry registers a callback invoked before every backoff wait.
func OnRetry(fn func(err error, attempt int, delay time.Duration)) SendOption {
	return func(o *sendOptions) { o.onRetry = fn }
}

// OnDiscard registers a callback invoked when a stream fails after some of
// its text was already passed to OnTextDelta. That text is not part of the
// result; a retried attempt streams its own text from the start.
func OnDiscard(fn func(err error)) SendOption {
	return func(o *sendOptions) { o.onDiscard = fn }
}

// Send performs one model request with retries. Streaming requests are
// aggregated into a single message. The usage of the successful attempt is
// added to the session total exactly once; failed attempts add nothing.
func (c *Client) Send(ctx context.Context, req Request, opts ...SendOption) (*Result, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.RLock()
	policy := c.retryPolicy
	c.mu.RUnlock()
	if o.onRetry != nil {
		base := policy.OnRetry
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			if base != nil {
				base(err, attempt, delay)
			}
			o.onRetry(err, attempt, delay)
		}
	}

	resp, err := Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
		if !req.Stream {
			return c.Complete(ctx, req)
		}
		resp, streamed, err := c.collectStream(ctx, req, o.onDelta)
		if err != nil && streamed && o.onDiscard != nil {
			o.onDiscard(err)
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.usage.Record(resp.Usage)
	c.mu.Unlock()

	return &Result{Message: resp.Message, FinishReason: resp.FinishReason.Reason, Usage: resp.Usage}, nil
}

// collectStream aggregates one streamed attempt. streamed reports whether
// any text reached onDelta.
func (c *Client) collectStream(ctx context.Context, req Request, onDelta func(string)) (resp *Response, streamed bool, err error) {
	events, err := c.Stream(ctx, req)
	if err != nil {
		return nil, false, err
	}
	acc := NewStreamAccumulator()
	for ev := range events {
		acc.Process(ev)
		if ev.Type == TextDelta && onDelta != nil && ev.Delta != "" {
			onDelta(ev.Delta)
			streamed = true
		}
	}
	if err := acc.Err(); err != nil {
		return nil, streamed, err
	}
	if err := ctx.Err(); err != nil {
		return nil, streamed, &AbortError{SDKError: SDKError{Message: "stream cancelled", Cause: err}}
	}
	resp = acc.Response()
	if adapter, err := c.resolveProvider(req); err == nil {
		resp.Provider = adapter.Name()
	}
	return resp, streamed, nil
}

// Usage returns a snapshot of the cumulative token usage.
func (c *Client) Usage() TokenUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usage
}
