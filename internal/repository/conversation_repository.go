// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sci-core/internal/model"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// HistoryRepository 定义了会话历史的操作接口。同一会话内的消息严格保持插入顺序。
type HistoryRepository interface {
	Append(ctx context.Context, sessionID string, turns ...model.Turn) error
	List(ctx context.Context, sessionID string) ([]model.Turn, error)
	Clear(ctx context.Context, sessionID string) error
}

type memorySession struct {
	turns   []model.Turn
	touched time.Time
}

type memoryHistoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	ttl      time.Duration
	maxTurns int
	now      func() time.Time
}

// NewMemoryHistoryRepository 创建进程内的会话历史，重启即丢失。
// 与 Redis 实现一致，会话在最后一次写入 ttl 之后过期；ttl <= 0 表示不过期，maxTurns <= 0 表示不限制。
func NewMemoryHistoryRepository(ttl time.Duration, maxTurns int) HistoryRepository {
	return &memoryHistoryRepository{
		sessions: make(map[string]*memorySession),
		ttl:      ttl,
		maxTurns: maxTurns,
		now:      time.Now,
	}
}

func (r *memoryHistoryRepository) expired(sess *memorySession, now time.Time) bool {
	return r.ttl > 0 && now.Sub(sess.touched) >= r.ttl
}

func (r *memoryHistoryRepository) Append(_ context.Context, sessionID string, turns ...model.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	// 顺带清理已过期的会话，被遗弃的会话不会再有人访问
	for id, sess := range r.sessions {
		if r.expired(sess, now) {
			delete(r.sessions, id)
		}
	}

	sess, ok := r.sessions[sessionID]
	if !ok {
		sess = &memorySession{}
		r.sessions[sessionID] = sess
	}
	history := append(sess.turns, turns...)
	if r.maxTurns > 0 && len(history) > r.maxTurns {
		history = append([]model.Turn(nil), history[len(history)-r.maxTurns:]...)
	}
	sess.turns = history
	sess.touched = now
	return nil
}

func (r *memoryHistoryRepository) List(_ context.Context, sessionID string) ([]model.Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok || r.expired(sess, r.now()) {
		return []model.Turn{}, nil
	}
	out := make([]model.Turn, len(sess.turns))
	copy(out, sess.turns)
	return out, nil
}

func (r *memoryHistoryRepository) Clear(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}

type redisHistoryRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
	maxTurns    int
}

// NewRedisHistoryRepository 创建一个基于 Redis list 的会话历史，每次写入都会刷新 TTL。
func NewRedisHistoryRepository(redisClient *redis.Client, ttl time.Duration, maxTurns int) HistoryRepository {
	return &redisHistoryRepository{redisClient: redisClient, ttl: ttl, maxTurns: maxTurns}
}

func historyKey(sessionID string) string {
	return fmt.Sprintf("session:%s:history", sessionID)
}

// Append 以 RPUSH 追加消息，并在同一 pipeline 中裁剪和续期。
func (r *redisHistoryRepository) Append(ctx context.Context, sessionID string, turns ...model.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(turns))
	for _, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal turn: %w", err)
		}
		values = append(values, b)
	}

	key := historyKey(sessionID)
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if r.maxTurns > 0 {
			pipe.LTrim(ctx, key, int64(-r.maxTurns), -1)
		}
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append session history: %w", err)
	}
	return nil
}

// List 从 Redis 读取完整的会话历史，key 不存在时返回空切片。
func (r *redisHistoryRepository) List(ctx context.Context, sessionID string) ([]model.Turn, error) {
	items, err := r.redisClient.LRange(ctx, historyKey(sessionID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get session history: %w", err)
	}
	turns := make([]model.Turn, 0, len(items))
	for _, item := range items {
		var t model.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session history: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (r *redisHistoryRepository) Clear(ctx context.Context, sessionID string) error {
	if err := r.redisClient.Del(ctx, historyKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear session history: %w", err)
	}
	return nil
}
