package unifiedllm

import (
	"context"
	"log"
	"time"
)

// RequestLogger returns middleware that logs each blocking request with its
// finish reason, token counts and latency.
func RequestLogger(logger *log.Logger) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		elapsed := time.Since(start).Round(time.Millisecond)
		if err != nil {
			logger.Printf("request model=%s messages=%d failed after %s: %v", req.Model, len(req.Messages), elapsed, err)
			return nil, err
		}
		logger.Printf("request model=%s messages=%d finish=%s tokens=%d/%d took %s",
			req.Model, len(req.Messages), resp.FinishReason.Reason,
			resp.Usage.InputTokens, resp.Usage.OutputTokens, elapsed)
		return resp, nil
	}
}

// StreamRequestLogger returns stream middleware that logs each streaming
// request once its stream is open.
func StreamRequestLogger(logger *log.Logger) StreamMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		start := time.Now()
		events, err := next(ctx, req)
		elapsed := time.Since(start).Round(time.Millisecond)
		if err != nil {
			logger.Printf("stream model=%s messages=%d failed after %s: %v", req.Model, len(req.Messages), elapsed, err)
			return nil, err
		}
		logger.Printf("stream model=%s messages=%d opened in %s", req.Model, len(req.Messages), elapsed)
		return events, nil
	}
}
