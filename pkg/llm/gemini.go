package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sci-core/internal/config"
	"strings"
)

// geminiClient 直接以 JSON POST 调用 Generative Language API 的 generateContent。
type geminiClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

func newGeminiClient(cfg config.LLMConfig, httpClient *http.Client) *geminiClient {
	return &geminiClient{cfg: cfg, client: httpClient}
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// text 拼接第一个候选的全部文本 part。
func (r geminiResponse) text() (string, error) {
	if len(r.Candidates) == 0 {
		if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("%w: %s", ErrBlocked, r.PromptFeedback.BlockReason)
		}
		return "", nil
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

func (c *geminiClient) buildRequest(req Request) geminiRequest {
	parts := []geminiPart{{Text: req.Prompt}}
	if req.Image != nil {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MIMEType: req.Image.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(req.Image.Data),
		}})
	}
	body := geminiRequest{Contents: []geminiContent{{Role: "user", Parts: parts}}}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	gen := generation(req, c.cfg.Generation)
	if gen.Temperature != nil || gen.TopP != nil || gen.MaxTokens != nil {
		body.GenerationConfig = &geminiGenerationConfig{
			Temperature:     gen.Temperature,
			TopP:            gen.TopP,
			MaxOutputTokens: gen.MaxTokens,
		}
	}
	return body
}

func (c *geminiClient) do(ctx context.Context, req Request, method string) (*http.Response, error) {
	reqBytes, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:%s", c.cfg.BaseURL, url.PathEscape(modelFor(req, c.cfg)), method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call gemini api: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Provider: "gemini", StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}
	return resp, nil
}

// Generate 调用 models/{model}:generateContent。
func (c *geminiClient) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := c.do(ctx, req, "generateContent")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode gemini response: %w", err)
	}
	text, err := out.text()
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Stream 调用 streamGenerateContent?alt=sse，每个 data 负载都是一个完整的响应分片。
func (c *geminiClient) Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error) {
	resp, err := c.do(ctx, req, "streamGenerateContent?alt=sse")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	err = readSSE(resp.Body, func(data string) error {
		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		text, err := chunk.text()
		if err != nil {
			return err
		}
		if text == "" {
			return nil
		}
		full.WriteString(text)
		return onChunk(text)
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(full.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
