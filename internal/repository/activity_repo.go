package repository

import (
	"context"
	"encoding/json"

	"github.com/magdee/audio_go_server/internal/kv"
	"github.com/magdee/audio_go_server/internal/model"
)

// ActivityKey user:<id>:activity_log 键
func ActivityKey(userID string) string {
	return "user:" + userID + ":activity_log"
}

// ActivityRepository 每用户的有界活动日志。只追加，超过上限淘汰最老的条目。
type ActivityRepository struct {
	store      *kv.Store
	maxEntries int
}

func NewActivityRepository(store *kv.Store, maxEntries int) *ActivityRepository {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &ActivityRepository{store: store, maxEntries: maxEntries}
}

// Append 追加一条活动记录并截断到上限。
// 与书架相同的 read-modify-write 竞争，同样走乐观锁。
func (r *ActivityRepository) Append(ctx context.Context, userID string, entry model.ActivityEntry) error {
	return r.store.Update(ctx, ActivityKey(userID), func(current []byte) (interface{}, error) {
		var log []model.ActivityEntry
		if current != nil {
			if err := json.Unmarshal(current, &log); err != nil {
				return nil, err
			}
		}

		log = append(log, entry)
		if len(log) > r.maxEntries {
			log = log[len(log)-r.maxEntries:]
		}
		return log, nil
	})
}

// List 读取活动记录。typeFilter 为空返回全部；newestFirst 反转为最新在前；
// limit <= 0 表示不限制。
func (r *ActivityRepository) List(ctx context.Context, userID, typeFilter string, limit int, newestFirst bool) ([]model.ActivityEntry, error) {
	var log []model.ActivityEntry
	found, err := r.store.Get(ctx, ActivityKey(userID), &log)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	if typeFilter != "" {
		filtered := make([]model.ActivityEntry, 0, len(log))
		for _, entry := range log {
			if entry.Type == typeFilter {
				filtered = append(filtered, entry)
			}
		}
		log = filtered
	}

	if newestFirst {
		for i, j := 0, len(log)-1; i < j; i, j = i+1, j-1 {
			log[i], log[j] = log[j], log[i]
		}
	}

	if limit > 0 && len(log) > limit {
		log = log[:limit]
	}
	return log, nil
}
