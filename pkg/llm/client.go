// Package llm provides clients for hosted Large Language Models.
//
// Every provider is reduced to one request shape: an optional system instruction,
// a user prompt and an optional inline image. NewClient decorates the provider with
// fixed-count retry and model-name fallback.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sci-core/internal/config"
	"time"
)

var (
	// ErrEmptyResponse 表示模型返回了空文本。
	ErrEmptyResponse = errors.New("llm: empty response")
	// ErrBlocked 表示请求被服务端安全策略拦截，重试没有意义。
	ErrBlocked = errors.New("llm: prompt blocked")
)

// Image 是随提示一起发送的内联图片。
type Image struct {
	Data     []byte
	MIMEType string
}

// GenerationParams 控制生成行为，nil 字段不下发。
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Request 是一次模型调用。Model 为空时使用配置中的模型。
type Request struct {
	System     string
	Prompt     string
	Image      *Image
	Model      string
	Generation *GenerationParams
}

// Client defines the interface for an LLM client.
type Client interface {
	// Generate 返回完整回答（已去除首尾空白）。
	Generate(ctx context.Context, req Request) (string, error)
	// Stream 在生成过程中把文本分块交给 onChunk，结束后返回完整回答。
	Stream(ctx context.Context, req Request, onChunk func(chunk string) error) (string, error)
}

// APIError 表示模型服务返回了非 2xx 状态码。
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable 对限流、超时和服务端错误返回 true。
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// IsRetryable 判断一次失败的调用是否值得重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrBlocked) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	// 网络错误、单次请求超时、空回答
	return true
}

// NewClient creates a new LLM client based on the provider in the config.
func NewClient(cfg config.LLMConfig) (Client, error) {
	httpClient := &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}

	var base Client
	switch cfg.Provider {
	case "openai":
		base = newOpenAIClient(cfg, httpClient)
	case "gemini":
		base = newGeminiClient(cfg, httpClient)
	case "anthropic":
		base = newAnthropicClient(cfg, httpClient)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}

	c := WithRetry(base, cfg.Retry.Attempts, time.Duration(cfg.Retry.DelayMillis)*time.Millisecond)
	if len(cfg.FallbackModels) > 0 {
		c = WithFallback(c, cfg.FallbackModels...)
	}
	return c, nil
}

// generation 合并请求级与配置级生成参数（请求级优先）。
func generation(req Request, cfg config.LLMGenerationConfig) GenerationParams {
	if req.Generation != nil {
		return *req.Generation
	}
	var gp GenerationParams
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		gp.Temperature = &t
	}
	if cfg.TopP != 0 {
		p := cfg.TopP
		gp.TopP = &p
	}
	if cfg.MaxTokens != 0 {
		m := cfg.MaxTokens
		gp.MaxTokens = &m
	}
	return gp
}

func modelFor(req Request, cfg config.LLMConfig) string {
	if req.Model != "" {
		return req.Model
	}
	return cfg.Model
}
