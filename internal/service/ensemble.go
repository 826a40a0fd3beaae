package service

import (
	"context"
	"fmt"
	"sci-core/internal/model"
	"sci-core/pkg/answer"
	"sci-core/pkg/llm"
	"sci-core/pkg/log"
	"strings"
	"text/template"

	"golang.org/x/sync/errgroup"
)

const noAnswerText = "(no answer)"

// 进度阶段，按发生顺序推送给调用方。
const (
	StageSolving   = "solving"
	StageJudging   = "judging"
	StageConsensus = "consensus"
	StageChunk     = "chunk"

	// StageFallback 表示 judge 失败、改用 solver 回答；此前推送的 judge 分块应丢弃
	StageFallback = "fallback"
)

// Event 是一次提问过程中的进度通知；Stage 为 StageChunk 时 Chunk 携带流式文本。
type Event struct {
	Stage string
	Chunk string
}

// Progress 接收进度通知，可以为 nil。
type Progress func(Event)

func (p Progress) emit(e Event) {
	if p != nil {
		p(e)
	}
}

// EnsembleOptions 控制 solver/judge 的编排方式。
type EnsembleOptions struct {
	Mode          model.Mode
	Solvers       int
	JudgeFallback bool
	SolverPrompt  string
	JudgePrompt   string
	JudgeTemplate *template.Template
	MaxImageBytes int64
}

// ParseJudgeTemplate 解析 judge 提示模板，可用字段为 .Question 与 .Answers（.Label/.Text）。
func ParseJudgeTemplate(text string) (*template.Template, error) {
	tmpl, err := template.New("judge").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid judge template: %w", err)
	}
	return tmpl, nil
}

type judgeAnswer struct {
	Label string
	Text  string
}

type judgeData struct {
	Question string
	Answers  []judgeAnswer
}

// ensembleResult 是一次编排的结果。
type ensembleResult struct {
	Final     string
	Details   string
	Solvers   []model.SolverOutput
	JudgeUsed bool
}

func solverLabel(i int) string {
	return string(rune('A' + i))
}

// runSingle 只调用一次模型。
func (s *chatService) runSingle(ctx context.Context, prompt string, img *llm.Image, progress Progress) (ensembleResult, error) {
	progress.emit(Event{Stage: StageSolving})
	req := llm.Request{System: s.opts.SolverPrompt, Prompt: prompt, Image: img}
	text, err := s.call(ctx, req, progress)
	if err != nil {
		if ctx.Err() != nil {
			return ensembleResult{}, ctx.Err()
		}
		log.Warnw("单次调用失败", "error", err)
		return ensembleResult{}, fmt.Errorf("%w: %v", ErrNoAnswer, err)
	}
	return ensembleResult{Final: text}, nil
}

// runSolvers 并行执行 n 个 solver 并等待全部返回。单个 solver 的失败只记录在结果里。
func (s *chatService) runSolvers(ctx context.Context, prompt string, img *llm.Image, n int) []model.SolverOutput {
	outputs := make([]model.SolverOutput, n)
	var g errgroup.Group
	g.SetLimit(n)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			out := model.SolverOutput{Label: solverLabel(i)}
			text, err := s.llm.Generate(ctx, llm.Request{System: s.opts.SolverPrompt, Prompt: prompt, Image: img})
			if err != nil {
				log.Warnw("solver 调用失败", "solver", out.Label, "error", err)
				out.Err = err.Error()
			} else {
				out.Text = text
			}
			outputs[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return outputs
}

// runEnsemble 执行 judge 与 consensus 两种多 solver 模式。
func (s *chatService) runEnsemble(ctx context.Context, mode model.Mode, prompt string, img *llm.Image, progress Progress) (ensembleResult, error) {
	progress.emit(Event{Stage: StageSolving})
	outputs := s.runSolvers(ctx, prompt, img, s.opts.Solvers)
	if ctx.Err() != nil {
		return ensembleResult{}, ctx.Err()
	}

	res := ensembleResult{Solvers: outputs, Details: formatDetails(outputs)}
	var ok []model.SolverOutput
	for _, o := range outputs {
		if o.OK() {
			ok = append(ok, o)
		}
	}
	if len(ok) == 0 {
		return res, fmt.Errorf("%w: all %d solvers failed", ErrNoAnswer, len(outputs))
	}

	if mode == model.ModeConsensus {
		texts := make([]string, len(ok))
		for i, o := range ok {
			texts[i] = o.Text
		}
		if answer.Agree(texts) {
			progress.emit(Event{Stage: StageConsensus})
			res.Final = ok[0].Text
			return res, nil
		}
	}

	progress.emit(Event{Stage: StageJudging})
	judgePrompt, err := s.buildJudgePrompt(prompt, outputs)
	if err != nil {
		return res, err
	}
	final, err := s.call(ctx, llm.Request{System: s.opts.JudgePrompt, Prompt: judgePrompt}, progress)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !s.opts.JudgeFallback {
			return res, fmt.Errorf("%w: judge failed: %v", ErrNoAnswer, err)
		}
		log.Warnw("judge 调用失败，回退到 solver 回答", "solver", ok[0].Label, "error", err)
		progress.emit(Event{Stage: StageFallback})
		res.Final = ok[0].Text
		res.Details += fmt.Sprintf("\n\n_Judge unavailable, using Core %s._", ok[0].Label)
		return res, nil
	}
	res.Final = final
	res.JudgeUsed = true
	return res, nil
}

// call 有进度回调时走流式接口，把分块转发出去。
func (s *chatService) call(ctx context.Context, req llm.Request, progress Progress) (string, error) {
	if progress == nil {
		return s.llm.Generate(ctx, req)
	}
	return s.llm.Stream(ctx, req, func(chunk string) error {
		progress(Event{Stage: StageChunk, Chunk: chunk})
		return nil
	})
}

func (s *chatService) buildJudgePrompt(question string, outputs []model.SolverOutput) (string, error) {
	data := judgeData{Question: question}
	for _, o := range outputs {
		text := o.Text
		if !o.OK() {
			text = noAnswerText
		}
		data.Answers = append(data.Answers, judgeAnswer{Label: o.Label, Text: text})
	}
	var sb strings.Builder
	if err := s.opts.JudgeTemplate.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render judge prompt: %w", err)
	}
	return sb.String(), nil
}

// formatDetails 生成"思考过程"：每个 solver 的原始回答。
func formatDetails(outputs []model.SolverOutput) string {
	parts := make([]string, 0, len(outputs))
	for _, o := range outputs {
		text := o.Text
		if !o.OK() {
			text = noAnswerText
		}
		parts = append(parts, fmt.Sprintf("**Core %s:** %s", o.Label, text))
	}
	return strings.Join(parts, "\n\n")
}
