package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sci-core/internal/config"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// anthropicClient 通过官方 SDK 调用 Messages API。
type anthropicClient struct {
	cfg    config.LLMConfig
	client anthropic.Client
}

func newAnthropicClient(cfg config.LLMConfig, httpClient *http.Client) *anthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		// 重试统一交给 WithRetry
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	return &anthropicClient{cfg: cfg, client: anthropic.NewClient(opts...)}
}

func (c *anthropicClient) params(req Request) anthropic.MessageNewParams {
	var blocks []anthropic.ContentBlockParamUnion
	if req.Image != nil {
		blocks = append(blocks, anthropic.NewImageBlockBase64(req.Image.MIMEType, base64.StdEncoding.EncodeToString(req.Image.Data)))
	}
	blocks = append(blocks, anthropic.NewTextBlock(req.Prompt))

	gen := generation(req, c.cfg.Generation)
	maxTokens := int64(anthropicDefaultMaxTokens)
	if gen.MaxTokens != nil {
		maxTokens = int64(*gen.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelFor(req, c.cfg)),
		MaxTokens: maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if gen.Temperature != nil {
		params.Temperature = anthropic.Float(*gen.Temperature)
	}
	if gen.TopP != nil {
		params.TopP = anthropic.Float(*gen.TopP)
	}
	return params
}

// Generate 调用 Messages.New 并拼接所有文本块。
func (c *anthropicClient) Generate(ctx context.Context, req Request) (string, error) {
	msg, err := c.client.Messages.New(ctx, c.params(req))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &APIError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return "", err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Stream 不走 SDK 的流式接口，生成完成后一次性回调。
func (c *anthropicClient) Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error) {
	text, err := c.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	if err := onChunk(text); err != nil {
		return "", err
	}
	return text, nil
}
