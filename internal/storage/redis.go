package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// 失败计数的统计窗口
const failureCountTTL = 60 * time.Second

// Redis 会话快照与失败计数存储，实现SessionStore
type Redis struct {
	client      *redis.Client
	snapshotTTL time.Duration
}

// OpenRedis 打开Redis连接并验证连通性
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis连通性检查失败: %w", err)
	}

	ttl := cfg.SnapshotTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Redis{client: client, snapshotTTL: ttl}, nil
}

// Close 关闭连接
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping 连通性检查
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func snapshotKey(sessionID string) string {
	return "session:" + sessionID
}

func failureKey(service string) string {
	return "failure_count:" + service
}

// SaveSnapshot 写入会话快照，带TTL
func (r *Redis) SaveSnapshot(ctx context.Context, snap *types.SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, snapshotKey(snap.SessionID), data, r.snapshotTTL).Err()
}

// LoadSnapshot 读取会话快照
func (r *Redis) LoadSnapshot(ctx context.Context, sessionID string) (*types.SessionSnapshot, error) {
	data, err := r.client.Get(ctx, snapshotKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	var snap types.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteSnapshot 删除会话快照
func (r *Redis) DeleteSnapshot(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, snapshotKey(sessionID)).Err()
}

// IncrFailureCount 服务失败计数加一并刷新窗口
func (r *Redis) IncrFailureCount(ctx context.Context, service string) (int64, error) {
	key := failureKey(service)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, failureCountTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// GetFailureCount 读取窗口内的失败计数
func (r *Redis) GetFailureCount(ctx context.Context, service string) (int64, error) {
	n, err := r.client.Get(ctx, failureKey(service)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
