// Package kafka 把已完成的问答轮次作为事件发布到 Kafka，供下游审计或统计使用。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sci-core/internal/config"
	"sci-core/pkg/log"
	"time"

	"github.com/segmentio/kafka-go"
)

// TurnEvent 描述一次完成的提问。不包含图片字节。
type TurnEvent struct {
	SessionID     string    `json:"session_id"`
	TurnID        string    `json:"turn_id"`
	Mode          string    `json:"mode"`
	Prompt        string    `json:"prompt"`
	Answer        string    `json:"answer"`
	HasImage      bool      `json:"has_image"`
	Solvers       int       `json:"solvers"`
	FailedSolvers int       `json:"failed_solvers"`
	JudgeUsed     bool      `json:"judge_used"`
	LatencyMillis int64     `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Publisher 发布 TurnEvent。
type Publisher interface {
	PublishTurn(ctx context.Context, event TurnEvent) error
	Close() error
}

// messageWriter 是 *kafka.Writer 中用到的子集，便于测试替换。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaPublisher struct {
	writer messageWriter
}

// NewPublisher 根据配置返回 Kafka 生产者；未启用时返回 no-op 实现。
func NewPublisher(cfg config.KafkaConfig) Publisher {
	if !cfg.Enabled {
		return NopPublisher{}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	log.Infof("Kafka 生产者初始化成功, topic=%s", cfg.Topic)
	return &kafkaPublisher{writer: w}
}

// PublishTurn 以 session ID 作为消息 key，保证同一会话的事件落在同一分区、保持顺序。
func (p *kafkaPublisher) PublishTurn(ctx context.Context, event TurnEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal turn event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(event.SessionID), Value: value}); err != nil {
		return fmt.Errorf("failed to publish turn event: %w", err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

func (NopPublisher) PublishTurn(context.Context, TurnEvent) error { return nil }
func (NopPublisher) Close() error                                 { return nil }
