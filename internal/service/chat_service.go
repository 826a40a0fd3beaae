// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"sci-core/internal/config"
	"sci-core/internal/model"
	"sci-core/internal/repository"
	"sci-core/pkg/kafka"
	"sci-core/pkg/llm"
	"sci-core/pkg/log"
	"sci-core/pkg/storage"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyPrompt = errors.New("prompt is empty")
	ErrInvalidMode = errors.New("invalid mode")
	// ErrNoAnswer 表示没有得到任何可展示的回答。
	ErrNoAnswer = errors.New("no answer available")
)

// AskInput 是一次提问的输入。Image 为原始图片字节，可为空。
type AskInput struct {
	Prompt string
	Image  []byte
	Mode   model.Mode
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	Ask(ctx context.Context, sessionID string, in AskInput, progress Progress) (*model.Turn, error)
	History(ctx context.Context, sessionID string) ([]model.Turn, error)
	Reset(ctx context.Context, sessionID string) error
}

// 发布 TurnEvent 的最长等待时间，超时只记日志，不影响已保存的回答
const defaultPublishTimeout = 3 * time.Second

type chatService struct {
	llm            llm.Client
	history        repository.HistoryRepository
	images         storage.ImageStore
	events         kafka.Publisher
	opts           EnsembleOptions
	now            func() time.Time
	publishTimeout time.Duration
}

// NewEnsembleOptions 从配置构建编排参数。
func NewEnsembleOptions(cfg config.Config) (EnsembleOptions, error) {
	tmpl, err := ParseJudgeTemplate(cfg.Ensemble.Prompt.JudgeTemplate)
	if err != nil {
		return EnsembleOptions{}, err
	}
	return EnsembleOptions{
		Mode:          model.Mode(cfg.Ensemble.Mode),
		Solvers:       cfg.Ensemble.Solvers,
		JudgeFallback: cfg.Ensemble.JudgeFallback,
		SolverPrompt:  cfg.Ensemble.Prompt.Solver,
		JudgePrompt:   cfg.Ensemble.Prompt.Judge,
		JudgeTemplate: tmpl,
		MaxImageBytes: cfg.Chat.MaxImageBytes,
	}, nil
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(llmClient llm.Client, history repository.HistoryRepository, images storage.ImageStore, events kafka.Publisher, opts EnsembleOptions) ChatService {
	if opts.Solvers < 1 {
		opts.Solvers = 1
	}
	if opts.JudgeTemplate == nil {
		opts.JudgeTemplate, _ = ParseJudgeTemplate(config.DefaultJudgeTemplate)
	}
	if events == nil {
		events = kafka.NopPublisher{}
	}
	return &chatService{
		llm:            llmClient,
		history:        history,
		images:         images,
		events:         events,
		opts:           opts,
		now:            time.Now,
		publishTimeout: defaultPublishTimeout,
	}
}

// Ask 记录用户消息，按模式编排 solver/judge，并把最终回答追加到会话历史。
// 失败时用户消息仍保留在历史中。
func (s *chatService) Ask(ctx context.Context, sessionID string, in AskInput, progress Progress) (*model.Turn, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	mode := in.Mode
	if mode == "" {
		mode = s.opts.Mode
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	var img *llm.Image
	var imgRef *model.ImageRef
	if len(in.Image) > 0 {
		mimeType, err := storage.DetectImage(in.Image, s.opts.MaxImageBytes)
		if err != nil {
			return nil, err
		}
		imgRef, err = s.images.Put(ctx, sessionID, in.Image, mimeType)
		if err != nil {
			return nil, fmt.Errorf("failed to store image: %w", err)
		}
		img = &llm.Image{Data: in.Image, MIMEType: mimeType}
	}

	userTurn := model.Turn{
		ID:        uuid.NewString(),
		Role:      model.RoleUser,
		Content:   prompt,
		Image:     imgRef,
		Timestamp: s.now(),
	}
	if err := s.history.Append(ctx, sessionID, userTurn); err != nil {
		return nil, fmt.Errorf("failed to save user turn: %w", err)
	}

	start := time.Now()
	var (
		res ensembleResult
		err error
	)
	if mode == model.ModeSingle {
		res, err = s.runSingle(ctx, prompt, img, progress)
	} else {
		res, err = s.runEnsemble(ctx, mode, prompt, img, progress)
	}
	if err != nil {
		log.Warnw("提问处理失败", "session", sessionID, "mode", mode, "error", err)
		return nil, err
	}

	assistant := model.Turn{
		ID:        uuid.NewString(),
		Role:      model.RoleAssistant,
		Content:   res.Final,
		Details:   res.Details,
		Mode:      mode,
		Solvers:   res.Solvers,
		Timestamp: s.now(),
	}
	// 即使客户端已断开，也保存已经生成的回答
	saveCtx := context.WithoutCancel(ctx)
	if err := s.history.Append(saveCtx, sessionID, assistant); err != nil {
		return nil, fmt.Errorf("failed to save assistant turn: %w", err)
	}

	latency := time.Since(start)
	log.Infow("提问完成", "session", sessionID, "mode", mode, "solvers", len(res.Solvers), "judge", res.JudgeUsed, "latency", latency.String())
	s.publish(saveCtx, sessionID, prompt, imgRef != nil, mode, res, assistant, latency)
	return &assistant, nil
}

func (s *chatService) publish(ctx context.Context, sessionID, prompt string, hasImage bool, mode model.Mode, res ensembleResult, turn model.Turn, latency time.Duration) {
	failed := 0
	for _, o := range res.Solvers {
		if !o.OK() {
			failed++
		}
	}
	event := kafka.TurnEvent{
		SessionID:     sessionID,
		TurnID:        turn.ID,
		Mode:          string(mode),
		Prompt:        prompt,
		Answer:        turn.Content,
		HasImage:      hasImage,
		Solvers:       len(res.Solvers),
		FailedSolvers: failed,
		JudgeUsed:     res.JudgeUsed,
		LatencyMillis: latency.Milliseconds(),
		CreatedAt:     turn.Timestamp,
	}
	ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	if err := s.events.PublishTurn(ctx, event); err != nil {
		log.Error("发布 TurnEvent 失败", err)
	}
}

// History 返回会话的全部消息。
func (s *chatService) History(ctx context.Context, sessionID string) ([]model.Turn, error) {
	return s.history.List(ctx, sessionID)
}

// Reset 清空会话历史。
func (s *chatService) Reset(ctx context.Context, sessionID string) error {
	return s.history.Clear(ctx, sessionID)
}
