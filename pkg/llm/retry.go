package llm

import (
	"context"
	"sci-core/pkg/log"
	"time"
)

type retryClient struct {
	next     Client
	attempts int
	delay    time.Duration
}

// WithRetry 以固定次数、固定间隔重试失败的调用。不可重试的错误立即返回。
func WithRetry(next Client, attempts int, delay time.Duration) Client {
	if attempts < 1 {
		attempts = 1
	}
	return &retryClient{next: next, attempts: attempts, delay: delay}
}

func (c *retryClient) Generate(ctx context.Context, req Request) (string, error) {
	return c.run(ctx, func() (string, bool, error) {
		text, err := c.next.Generate(ctx, req)
		return text, false, err
	})
}

// Stream 只在尚未输出任何分块时重试，避免客户端收到重复内容。
func (c *retryClient) Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error) {
	return c.run(ctx, func() (string, bool, error) {
		emitted := false
		text, err := c.next.Stream(ctx, req, func(s string) error {
			emitted = true
			return onChunk(s)
		})
		return text, emitted, err
	})
}

func (c *retryClient) run(ctx context.Context, call func() (text string, emitted bool, err error)) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			log.Warnw("LLM 调用失败，准备重试", "attempt", attempt, "maxAttempts", c.attempts, "error", lastErr)
			timer := time.NewTimer(c.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}

		text, emitted, err := call()
		if err == nil {
			return text, nil
		}
		lastErr = err
		if emitted || ctx.Err() != nil || !IsRetryable(err) {
			break
		}
	}
	return "", lastErr
}

type fallbackClient struct {
	next   Client
	models []string
}

// WithFallback 在主模型失败后依次改用 models 中的模型名重发同一请求。
func WithFallback(next Client, models ...string) Client {
	return &fallbackClient{next: next, models: models}
}

func (c *fallbackClient) candidates(req Request) []Request {
	reqs := []Request{req}
	for _, m := range c.models {
		if m == req.Model {
			continue
		}
		r := req
		r.Model = m
		reqs = append(reqs, r)
	}
	return reqs
}

func (c *fallbackClient) Generate(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for i, r := range c.candidates(req) {
		if i > 0 {
			log.Warnw("切换备用模型", "model", r.Model, "error", lastErr)
		}
		text, err := c.next.Generate(ctx, r)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (c *fallbackClient) Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error) {
	var lastErr error
	for i, r := range c.candidates(req) {
		if i > 0 {
			log.Warnw("切换备用模型", "model", r.Model, "error", lastErr)
		}
		emitted := false
		text, err := c.next.Stream(ctx, r, func(s string) error {
			emitted = true
			return onChunk(s)
		})
		if err == nil {
			return text, nil
		}
		lastErr = err
		if emitted || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}
