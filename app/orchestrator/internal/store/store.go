// Package store 已结束会话的归档。
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/pkg/database/redis"
)

var (
	// ErrNotFound 归档中不存在
	ErrNotFound = errors.New("store: session not found")
	// ErrUnknownType 未知的存储类型
	ErrUnknownType = errors.New("store: unknown type")
)

// 存储类型
const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
)

// Store 会话归档
type Store interface {
	Save(ctx context.Context, s model.Session) error
	Get(ctx context.Context, id string) (model.Session, error)
	// List 按结束时间倒序返回最近的归档
	List(ctx context.Context, limit int) ([]model.Session, error)
	// Prune 删除结束时间早于 before 的归档
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Config 归档配置
type Config struct {
	Type      string        `mapstructure:"type" json:"type" validate:"omitempty,oneof=memory redis"`
	Retention time.Duration `mapstructure:"retention" json:"retention"`
	KeyPrefix string        `mapstructure:"key_prefix" json:"key_prefix"`
	Redis     *redis.Config `mapstructure:"redis" json:"redis"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Type:      TypeMemory,
		Retention: 24 * time.Hour,
		KeyPrefix: "xplay:session:",
	}
}

// New 按类型创建归档
func New(cfg *Config) (Store, error) {
	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryStore(), nil
	case TypeRedis:
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.KeyPrefix, cfg.Retention), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}
}

// MemoryStore 进程内归档
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

// NewMemoryStore 创建进程内归档
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]model.Session)}
}

func (m *MemoryStore) Save(_ context.Context, s model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]model.Session, error) {
	m.mu.RLock()
	out := make([]model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.EndedAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
