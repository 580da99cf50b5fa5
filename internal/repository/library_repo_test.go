package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magdee/audio_go_server/internal/testutil"
)

func TestLibraryRepository_AppendAndList(t *testing.T) {
	store, cleanup := testutil.SetupTestStore(t)
	defer cleanup()

	repo := NewLibraryRepository(store)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, "user_1", "book_a"))
	require.NoError(t, repo.Append(ctx, "user_1", "book_b"))

	list, err := repo.List(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"book_a", "book_b"}, list) // 保持插入顺序
}

func TestLibraryRepository_Append_Duplicate(t *testing.T) {
	store, cleanup := testutil.SetupTestStore(t)
	defer cleanup()

	repo := NewLibraryRepository(store)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, "user_1", "book_a"))
	require.NoError(t, repo.Append(ctx, "user_1", "book_a"))

	list, err := repo.List(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"book_a"}, list) // 同一 id 只出现一次
}

func TestLibraryRepository_Remove(t *testing.T) {
	store, cleanup := testutil.SetupTestStore(t)
	defer cleanup()

	repo := NewLibraryRepository(store)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, "user_1", "book_a"))
	require.NoError(t, repo.Append(ctx, "user_1", "book_b"))
	require.NoError(t, repo.Remove(ctx, "user_1", "book_a"))

	list, err := repo.List(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"book_b"}, list)

	// 移除不存在的 id 是 no-op
	require.NoError(t, repo.Remove(ctx, "user_1", "book_x"))
}

func TestLibraryRepository_List_Empty(t *testing.T) {
	store, cleanup := testutil.SetupTestStore(t)
	defer cleanup()

	repo := NewLibraryRepository(store)

	list, err := repo.List(context.Background(), "user_none")
	require.NoError(t, err)
	assert.Empty(t, list)
}

// 同一用户并发上传：N 次并发 Append 后书架必须包含全部 N 个 id
func TestLibraryRepository_ConcurrentAppends(t *testing.T) {
	store, cleanup := testutil.SetupTestStore(t)
	defer cleanup()

	repo := NewLibraryRepository(store)
	ctx := context.Background()
	const n = 10

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = repo.Append(ctx, "user_1", fmt.Sprintf("book_%d", idx))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "append %d", i)
	}

	list, err := repo.List(ctx, "user_1")
	require.NoError(t, err)
	assert.Len(t, list, n)

	seen := make(map[string]bool)
	for _, id := range list {
		seen[id] = true
	}
	assert.Len(t, seen, n)
}
