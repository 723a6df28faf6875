package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xaenox/assistant-hub/internal/apperr"
	"github.com/xaenox/assistant-hub/internal/gateway/gatewaytest"
	"github.com/xaenox/assistant-hub/internal/models"
	"github.com/xaenox/assistant-hub/internal/repository"
	"github.com/xaenox/assistant-hub/internal/storage"
)

func newRegistry(t *testing.T, gw ThreadCreator, cache Cache, cfg Config) (*Registry, *repository.Repository) {
	t.Helper()
	repo := repository.New(storage.NewMemoryStorage(), zap.NewNop())
	return New(repo, gw, cache, cfg, zap.NewNop()), repo
}

func TestResolveTwiceCreatesOnce(t *testing.T) {
	gw := &gatewaytest.Fake{}
	reg, repo := newRegistry(t, gw, NewLRUCache(16, time.Minute), Config{})
	ctx := context.Background()

	first, err := reg.Resolve(ctx, "A1", "U1")
	require.NoError(t, err)
	second, err := reg.Resolve(ctx, "A1", "U1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, gw.Threads(), 1)

	stored, err := repo.Threads.Find(ctx, "A1", "U1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, first, stored.Handle)
}

func TestResolveWithoutCacheUsesRepository(t *testing.T) {
	gw := &gatewaytest.Fake{}
	reg, _ := newRegistry(t, gw, nil, Config{})
	ctx := context.Background()

	first, err := reg.Resolve(ctx, "A1", "U1")
	require.NoError(t, err)
	second, err := reg.Resolve(ctx, "A1", "U1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, gw.Threads(), 1)
}

func TestResolveSeparatesConversations(t *testing.T) {
	gw := &gatewaytest.Fake{}
	reg, _ := newRegistry(t, gw, NewLRUCache(16, time.Minute), Config{})
	ctx := context.Background()

	a, err := reg.Resolve(ctx, "A1", "U1")
	require.NoError(t, err)
	b, err := reg.Resolve(ctx, "A1", "U2")
	require.NoError(t, err)
	c, err := reg.Resolve(ctx, "A2", "U1")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, gw.Threads(), 3)
}

func TestConcurrentResolveCreatesOneThread(t *testing.T) {
	var creates atomic.Int32
	release := make(chan struct{})
	gw := &gatewaytest.Fake{
		CreateThreadFunc: func(ctx context.Context) (string, error) {
			creates.Add(1)
			<-release
			return "thread_shared", nil
		},
	}
	reg, _ := newRegistry(t, gw, NewLRUCache(16, time.Minute), Config{})

	const callers = 8
	var wg sync.WaitGroup
	handles := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = reg.Resolve(context.Background(), "A1", "U1")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), creates.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "thread_shared", handles[i])
	}
}

func TestResolveCreationOutlivesCancelledCaller(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var creatorErr error
	gw := &gatewaytest.Fake{
		CreateThreadFunc: func(ctx context.Context) (string, error) {
			close(started)
			<-release
			creatorErr = ctx.Err()
			return "thread_shared", nil
		},
	}
	reg, repo := newRegistry(t, gw, NewLRUCache(16, time.Minute), Config{CreateTimeout: time.Second})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := reg.Resolve(firstCtx, "A1", "U1")
		firstErr <- err
	}()
	<-started

	type result struct {
		handle string
		err    error
	}
	second := make(chan result, 1)
	go func() {
		h, err := reg.Resolve(context.Background(), "A1", "U1")
		second <- result{h, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, apperr.ErrCanceled)

	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "thread_shared", res.handle)
	assert.NoError(t, creatorErr)

	stored, err := repo.Threads.Find(context.Background(), "A1", "U1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "thread_shared", stored.Handle)
}

func TestResolvePicksEarliestDuplicate(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := storage.NewMemoryStorage()
	repo := repository.New(store, zap.New(core))
	gw := &gatewaytest.Fake{}
	reg := New(repo, gw, nil, Config{}, zap.NewNop())
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.Threads.Put(ctx, &models.Thread{AssistantID: "A1", UserID: "U1", Handle: "thread_new", CreatedAt: now}))
	require.NoError(t, repo.Threads.Put(ctx, &models.Thread{AssistantID: "A1", UserID: "U1", Handle: "thread_old", CreatedAt: now.Add(-time.Hour)}))

	for i := 0; i < 2; i++ {
		handle, err := reg.Resolve(ctx, "A1", "U1")
		require.NoError(t, err)
		assert.Equal(t, "thread_old", handle)
	}
	assert.Empty(t, gw.Threads())
	assert.NotZero(t, logs.FilterMessage("Multiple threads stored for one conversation").Len())
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("cache down")
}
func (failingCache) Set(context.Context, string, string) error { return errors.New("cache down") }
func (failingCache) Delete(context.Context, string) error      { return errors.New("cache down") }

func TestCacheFailureFallsBackToRepository(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	gw := &gatewaytest.Fake{}
	repo := repository.New(storage.NewMemoryStorage(), zap.NewNop())
	reg := New(repo, gw, failingCache{}, Config{}, zap.New(core))
	ctx := context.Background()

	first, err := reg.Resolve(ctx, "A1", "U1")
	require.NoError(t, err)
	second, err := reg.Resolve(ctx, "A1", "U1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, gw.Threads(), 1)
	assert.NotZero(t, logs.FilterMessage("Thread cache lookup failed").Len())
}

func TestResolveRejectsMissingIDs(t *testing.T) {
	reg, _ := newRegistry(t, &gatewaytest.Fake{}, nil, Config{})

	_, err := reg.Resolve(context.Background(), " ", "U1")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestResolveGatewayFailureStoresNothing(t *testing.T) {
	gw := &gatewaytest.Fake{
		CreateThreadFunc: func(context.Context) (string, error) {
			return "", apperr.Wrap(apperr.KindGatewayUnavailable, "create thread", errors.New("dial tcp"))
		},
	}
	reg, repo := newRegistry(t, gw, NewLRUCache(16, time.Minute), Config{})
	ctx := context.Background()

	_, err := reg.Resolve(ctx, "A1", "U1")
	assert.ErrorIs(t, err, apperr.ErrGatewayUnavailable)

	th, err := repo.Threads.Find(ctx, "A1", "U1")
	require.NoError(t, err)
	assert.Nil(t, th)
}

func TestVerifyUsers(t *testing.T) {
	gw := &gatewaytest.Fake{}
	reg, repo := newRegistry(t, gw, nil, Config{VerifyUsers: true})
	ctx := context.Background()

	require.NoError(t, repo.Users.Put(ctx, &models.User{ID: "U1", Email: "u1@example.com", Role: models.UserRoleUser, Active: true}))
	require.NoError(t, repo.Users.Put(ctx, &models.User{ID: "U2", Email: "u2@example.com", Role: models.UserRoleUser}))

	_, err := reg.Resolve(ctx, "A1", "U1")
	require.NoError(t, err)

	_, err = reg.Resolve(ctx, "A1", "U2")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)

	_, err = reg.Resolve(ctx, "A1", "nobody")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)

	assert.Len(t, gw.Threads(), 1)
}

func TestResetStartsNewThread(t *testing.T) {
	gw := &gatewaytest.Fake{}
	reg, _ := newRegistry(t, gw, NewLRUCache(16, time.Minute), Config{})
	ctx := context.Background()

	first, err := reg.Resolve(ctx, "A1", "U1")
	require.NoError(t, err)
	require.NoError(t, reg.Reset(ctx, "A1", "U1"))

	current, err := reg.Lookup(ctx, "A1", "U1")
	require.NoError(t, err)
	assert.Empty(t, current)

	second, err := reg.Resolve(ctx, "A1", "U1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Len(t, gw.Threads(), 2)
}

func TestLookupNeverCreates(t *testing.T) {
	gw := &gatewaytest.Fake{}
	reg, _ := newRegistry(t, gw, nil, Config{})

	handle, err := reg.Lookup(context.Background(), "A1", "U1")
	require.NoError(t, err)
	assert.Empty(t, handle)
	assert.Empty(t, gw.Threads())
}

func TestLRUCache(t *testing.T) {
	c := NewLRUCache(2, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "t1"))
	require.NoError(t, c.Set(ctx, "b", "t2"))
	require.NoError(t, c.Set(ctx, "c", "t3"))

	_, ok, _ := c.Get(ctx, "a")
	assert.False(t, ok, "oldest entry is evicted past the size bound")

	h, ok, err := c.Get(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "t3", h)

	require.NoError(t, c.Delete(ctx, "c"))
	_, ok, _ = c.Get(ctx, "c")
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisCache(client, "test:", time.Minute)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "A1:U1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "A1:U1", "thread_1"))
	assert.True(t, mr.Exists("test:A1:U1"))

	h, ok, err := c.Get(ctx, "A1:U1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "thread_1", h)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "A1:U1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "A1:U1", "thread_2"))
	require.NoError(t, c.Delete(ctx, "A1:U1"))
	assert.False(t, mr.Exists("test:A1:U1"))
}

func TestRedisCacheUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, _, err := NewRedisCache(client, "", time.Minute).Get(context.Background(), "k")
	assert.Error(t, err)
}
