package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/pkg/database/redis"
)

// RedisStore 会话以 JSON 保存并设置过期时间，按结束时间维护有序索引
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStore 创建 Redis 归档
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) indexKey() string { return r.prefix + "index" }

func (r *RedisStore) Save(ctx context.Context, s model.Session) error {
	buf, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("store: encode session %s: %w", s.ID, err)
	}
	ended := s.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	return r.client.TxPipelined(ctx, func(tx *redis.Tx) error {
		tx.Set(ctx, r.key(s.ID), buf, r.retention)
		tx.ZAdd(ctx, r.indexKey(), float64(ended.UnixMilli()), s.ID)
		tx.Expire(ctx, r.indexKey(), 2*r.retention)
		return nil
	})
}

func (r *RedisStore) Get(ctx context.Context, id string) (model.Session, error) {
	raw, err := r.client.Get(ctx, r.key(id))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, err
	}
	var s model.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return model.Session{}, fmt.Errorf("store: decode session %s: %w", id, err)
	}
	return s, nil
}

func (r *RedisStore) List(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRevRangeByScore(ctx, r.indexKey(), "+inf", "-inf", int64(limit))
	if err != nil {
		return nil, err
	}
	out := make([]model.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// 数据已过期，索引稍后清理
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Prune 只清理索引，数据键依赖过期时间
func (r *RedisStore) Prune(ctx context.Context, before time.Time) (int, error) {
	n, err := r.client.ZRemRangeByScore(ctx, r.indexKey(), "-inf", "("+strconv.FormatInt(before.UnixMilli(), 10))
	return int(n), err
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
