package repository

import (
	"context"
	"encoding/json"

	"github.com/magdee/audio_go_server/internal/kv"
)

// LibraryKey user:<id>:books 键
func LibraryKey(userID string) string {
	return "user:" + userID + ":books"
}

// LibraryRepository 每个用户的有序书籍 id 列表（book index）。
// 整个列表存在单个键下，append/remove 是 read-modify-write，
// 必须走 kv.Update 的乐观锁，否则并发上传会互相覆盖丢条目。
type LibraryRepository struct {
	store *kv.Store
}

func NewLibraryRepository(store *kv.Store) *LibraryRepository {
	return &LibraryRepository{store: store}
}

// Append 把 bookID 追加到用户书架末尾。已存在则不重复追加。
func (r *LibraryRepository) Append(ctx context.Context, userID, bookID string) error {
	return r.store.Update(ctx, LibraryKey(userID), func(current []byte) (interface{}, error) {
		list, err := decodeLibrary(current)
		if err != nil {
			return nil, err
		}
		for _, id := range list {
			if id == bookID {
				return list, nil
			}
		}
		return append(list, bookID), nil
	})
}

// Remove 从用户书架移除 bookID，不存在时是 no-op
func (r *LibraryRepository) Remove(ctx context.Context, userID, bookID string) error {
	return r.store.Update(ctx, LibraryKey(userID), func(current []byte) (interface{}, error) {
		list, err := decodeLibrary(current)
		if err != nil {
			return nil, err
		}
		next := make([]string, 0, len(list))
		for _, id := range list {
			if id != bookID {
				next = append(next, id)
			}
		}
		return next, nil
	})
}

// List 按插入顺序返回用户的全部 book id
func (r *LibraryRepository) List(ctx context.Context, userID string) ([]string, error) {
	var list []string
	found, err := r.store.Get(ctx, LibraryKey(userID), &list)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return list, nil
}

func decodeLibrary(current []byte) ([]string, error) {
	if current == nil {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal(current, &list); err != nil {
		return nil, err
	}
	return list, nil
}
