package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client Redis 客户端（单机与集群统一为 UniversalClient）
type Client struct {
	rdb redis.UniversalClient
	cfg *Config
}

// NewClient 创建 Redis 客户端
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := cfg.Pool
	opts := &redis.UniversalOptions{
		MaxIdleConns:    p.MaxIdleConns,
		MaxActiveConns:  p.MaxOpenConns,
		ConnMaxIdleTime: p.ConnMaxIdleTime,
		DialTimeout:     p.DialTimeout,
		ReadTimeout:     p.ReadTimeout,
		WriteTimeout:    p.WriteTimeout,
		PoolTimeout:     p.PoolTimeout,
	}
	if cfg.Standalone != nil {
		opts.Addrs = []string{cfg.Standalone.Addr()}
		opts.Password = cfg.Standalone.Password
		opts.DB = cfg.Standalone.DB
	} else {
		opts.Addrs = cfg.Cluster.Addrs
		opts.Password = cfg.Cluster.Password
		opts.IsClusterMode = true
	}

	return &Client{rdb: redis.NewUniversalClient(opts), cfg: cfg}, nil
}

// Ping 测试连接
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get 获取字符串值
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNil
		}
		return "", fmt.Errorf("get failed: %w", err)
	}
	return val, nil
}

// Set 设置字符串值
func (c *Client) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, expiration).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// Del 删除键
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("del failed: %w", err)
	}
	return n, nil
}

// ZRevRangeByScore 按分数从高到低取成员
func (c *Client) ZRevRangeByScore(ctx context.Context, key, max, min string, count int64) ([]string, error) {
	vals, err := c.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Max: max, Min: min, Count: count}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrangebyscore failed: %w", err)
	}
	return vals, nil
}

// ZRemRangeByScore 删除分数区间内的成员
func (c *Client) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	n, err := c.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
	if err != nil {
		return 0, fmt.Errorf("zremrangebyscore failed: %w", err)
	}
	return n, nil
}

// Tx 事务内可用的写命令
type Tx struct {
	pipe redis.Pipeliner
}

// Set 事务内写字符串
func (t *Tx) Set(ctx context.Context, key string, value any, expiration time.Duration) {
	t.pipe.Set(ctx, key, value, expiration)
}

// ZAdd 事务内写有序集合
func (t *Tx) ZAdd(ctx context.Context, key string, score float64, member string) {
	t.pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
}

// Expire 事务内设置过期时间
func (t *Tx) Expire(ctx context.Context, key string, expiration time.Duration) {
	t.pipe.Expire(ctx, key, expiration)
}

// TxPipelined MULTI/EXEC 包裹的一组写命令
func (c *Client) TxPipelined(ctx context.Context, fn func(tx *Tx) error) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(&Tx{pipe: pipe})
	})
	if err != nil {
		return fmt.Errorf("tx pipeline failed: %w", err)
	}
	return nil
}
