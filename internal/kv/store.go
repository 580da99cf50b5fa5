package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// Set 失败时的有限重试次数
	setRetries = 3
	// Update 乐观锁冲突的重试上限
	casRetries = 16
)

// ErrTooManyConflicts CAS 更新连续冲突超过上限
var ErrTooManyConflicts = errors.New("kv: too many concurrent update conflicts")

// KeyValue 前缀扫描返回的一对键值，Value 为原始 JSON
type KeyValue struct {
	Key   string
	Value []byte
}

// Store 对外部 KV 存储（Redis）的类型化访问。
// 所有值 JSON 编码；上层只依赖 get/set/delete/scan 和 Update 原语。
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Get 读取并反序列化 key 的值。key 不存在返回 (false, nil)，不算错误。
func (s *Store) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("kv get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("kv get %s: decode: %w", key, err)
	}
	return true, nil
}

// Set 写入 key。写失败时有限退避重试，仍失败则向上传播——
// 状态迁移的持久化失败必须表现为迁移失败，不能静默当成成功。
func (s *Store) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv set %s: encode: %w", key, err)
	}

	var lastErr error
	for attempt := 0; attempt < setRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}

		if lastErr = s.client.Set(ctx, key, data, 0).Err(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("kv set %s: %w", key, lastErr)
}

// Delete 删除 key，key 不存在不算错误
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// ScanByPrefix 遍历 prefix* 下的所有键值对
func (s *Store) ScanByPrefix(ctx context.Context, prefix string) ([]KeyValue, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv scan %s: %w", prefix, err)
	}

	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}

	result := make([]KeyValue, 0, len(keys))
	for i, key := range keys {
		if values[i] == nil {
			continue // 扫描和读取之间被删除
		}
		result = append(result, KeyValue{Key: key, Value: values[i]})
	}
	return result, nil
}

// MGet 批量读取，缺失的 key 对应 nil
func (s *Store) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("kv mget: %w", err)
	}

	values := make([][]byte, len(keys))
	for i, v := range raw {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("kv mget: unexpected value type for %s", keys[i])
		}
		values[i] = []byte(str)
	}
	return values, nil
}

// MSet 批量写入，每个值 JSON 编码
func (s *Store) MSet(ctx context.Context, pairs map[string]interface{}) error {
	if len(pairs) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(pairs)*2)
	for key, value := range pairs {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("kv mset %s: encode: %w", key, err)
		}
		args = append(args, key, data)
	}

	if err := s.client.MSet(ctx, args...).Err(); err != nil {
		return fmt.Errorf("kv mset: %w", err)
	}
	return nil
}

// Update 对单个 key 做原子 read-modify-write（WATCH/MULTI 乐观锁，冲突重试）。
// fn 收到当前原始值（不存在时为 nil），返回要写入的新值。
// 这是 user:<id>:books 和 activity_log 并发修改不丢更新的唯一合法路径。
func (s *Store) Update(ctx context.Context, key string, fn func(current []byte) (interface{}, error)) error {
	txFn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == redis.Nil {
			current = nil
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.client.Watch(ctx, txFn, key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue // 其他写入者抢先，重读重试
		}
		return fmt.Errorf("kv update %s: %w", key, err)
	}
	return fmt.Errorf("kv update %s: %w", key, ErrTooManyConflicts)
}

// AcquireLock 尝试获取带 TTL 的互斥锁（SETNX）。
// 用于保证同一 book 的 Advance 不会并发执行。
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv lock %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLock 释放互斥锁
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	return s.Delete(ctx, key)
}
