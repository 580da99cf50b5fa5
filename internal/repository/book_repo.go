package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/magdee/audio_go_server/internal/kv"
	"github.com/magdee/audio_go_server/internal/model"
)

// ErrBookGone UpdateExisting 发现记录已被删除
var ErrBookGone = errors.New("book record no longer exists")

// BookKey book:<id> 键
func BookKey(bookID string) string {
	return "book:" + bookID
}

// BookLockKey worker 互斥锁键
func BookLockKey(bookID string) string {
	return fmt.Sprintf("book:%s:lock", bookID)
}

// BookRepository Book 记录的持久化层，底层是 KV store
type BookRepository struct {
	store *kv.Store
}

func NewBookRepository(store *kv.Store) *BookRepository {
	return &BookRepository{store: store}
}

func (r *BookRepository) Create(ctx context.Context, book *model.Book) error {
	return r.store.Set(ctx, BookKey(book.ID), book)
}

// GetByID 读取 Book，不存在返回 (nil, nil)
func (r *BookRepository) GetByID(ctx context.Context, bookID string) (*model.Book, error) {
	var book model.Book
	found, err := r.store.Get(ctx, BookKey(bookID), &book)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &book, nil
}

// GetMany 批量读取，缺失的 id 被跳过
func (r *BookRepository) GetMany(ctx context.Context, bookIDs []string) ([]*model.Book, error) {
	if len(bookIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(bookIDs))
	for i, id := range bookIDs {
		keys[i] = BookKey(id)
	}

	values, err := r.store.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}

	books := make([]*model.Book, 0, len(values))
	for _, value := range values {
		if value == nil {
			continue
		}
		book, err := decodeBook(value)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	return books, nil
}

func decodeBook(data []byte) (*model.Book, error) {
	var book model.Book
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("decode book: %w", err)
	}
	return &book, nil
}

// Update 整体覆盖写回，updated_at 由调用方通过 Touch 维护
func (r *BookRepository) Update(ctx context.Context, book *model.Book) error {
	return r.store.Set(ctx, BookKey(book.ID), book)
}

// UpdateExisting 写回一条必须仍然存在的记录。
// worker 持久化走这里：记录在转换期间被删除时返回 ErrBookGone
// 而不是把它重新写活。
func (r *BookRepository) UpdateExisting(ctx context.Context, book *model.Book) error {
	return r.store.Update(ctx, BookKey(book.ID), func(current []byte) (interface{}, error) {
		if current == nil {
			return nil, ErrBookGone
		}
		return book, nil
	})
}

func (r *BookRepository) Delete(ctx context.Context, bookID string) error {
	return r.store.Delete(ctx, BookKey(bookID))
}

// ListAll 全量扫描 book:* ，cleanup 任务用
func (r *BookRepository) ListAll(ctx context.Context) ([]*model.Book, error) {
	pairs, err := r.store.ScanByPrefix(ctx, "book:")
	if err != nil {
		return nil, err
	}

	books := make([]*model.Book, 0, len(pairs))
	for _, pair := range pairs {
		book, err := decodeBook(pair.Value)
		if err != nil {
			continue // 锁键等非 Book 值，跳过
		}
		if book.ID == "" {
			continue
		}
		books = append(books, book)
	}
	return books, nil
}
