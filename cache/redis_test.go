package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/types"
)

func setupRedisStore(t *testing.T) (*miniredis.Miniredis, Store) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	config := DefaultRedisConfig()
	config.Addr = mr.Addr()
	config.ClaimTTL = time.Minute

	store, err := NewRedisStore(config, "test:", zap.NewNop())
	require.NoError(t, err)

	return mr, store
}

func TestRedisStore_PublishRoundTrip(t *testing.T) {
	mr, store := setupRedisStore(t)
	defer mr.Close()
	defer store.Close()
	ctx := context.Background()

	claim, err := store.Claim(ctx, "fp1")
	require.NoError(t, err)
	require.Equal(t, Owner, claim.Role)

	resp := testResponse("bonjour")
	require.NoError(t, store.Publish(ctx, "fp1", resp, time.Minute))

	entry, found, err := store.Get(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "bonjour", entry.Response.GeneratedText)
	assert.Equal(t, "mistral", entry.Response.Model)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr, store := setupRedisStore(t)
	defer mr.Close()
	defer store.Close()
	ctx := context.Background()

	claim, err := store.Claim(ctx, "fp1")
	require.NoError(t, err)
	require.Equal(t, Owner, claim.Role)
	require.NoError(t, store.Publish(ctx, "fp1", testResponse("x"), time.Minute))

	_, found, err := store.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, found)

	mr.FastForward(2 * time.Minute)

	_, found, err = store.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, found, "redis 过期后条目必须不可见")
}

func TestRedisStore_WaiterReceivesPublishedOutcome(t *testing.T) {
	mr, store := setupRedisStore(t)
	defer mr.Close()
	defer store.Close()
	ctx := context.Background()

	owner, err := store.Claim(ctx, "fp1")
	require.NoError(t, err)
	require.Equal(t, Owner, owner.Role)

	waiter, err := store.Claim(ctx, "fp1")
	require.NoError(t, err)
	require.Equal(t, Waiter, waiter.Role)

	go func() {
		time.Sleep(20 * time.Millisecond)
		store.Publish(ctx, "fp1", testResponse("shared"), time.Minute)
	}()

	select {
	case outcome := <-waiter.Wait():
		require.NoError(t, outcome.Err)
		assert.Equal(t, "shared", outcome.Response.GeneratedText)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter 未收到终态")
	}
}

func TestRedisStore_WaiterReceivesFailure(t *testing.T) {
	mr, store := setupRedisStore(t)
	defer mr.Close()
	defer store.Close()
	ctx := context.Background()

	owner, err := store.Claim(ctx, "fp1")
	require.NoError(t, err)
	require.Equal(t, Owner, owner.Role)

	waiter, err := store.Claim(ctx, "fp1")
	require.NoError(t, err)
	require.Equal(t, Waiter, waiter.Role)

	cause := types.NewError(types.ErrBackendUnreachable, "connection refused").WithBackend("ner")
	go func() {
		time.Sleep(20 * time.Millisecond)
		store.Fail(ctx, "fp1", cause)
	}()

	select {
	case outcome := <-waiter.Wait():
		require.Error(t, outcome.Err)
		assert.Equal(t, types.ErrBackendUnreachable, types.GetErrorCode(outcome.Err))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter 未收到终态")
	}

	// 失败不缓存
	_, found, err := store.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_ClaimReleasedAfterPublish(t *testing.T) {
	mr, store := setupRedisStore(t)
	defer mr.Close()
	defer store.Close()
	ctx := context.Background()

	claim, err := store.Claim(ctx, "fp1")
	require.NoError(t, err)
	require.Equal(t, Owner, claim.Role)
	require.NoError(t, store.Publish(ctx, "fp1", testResponse("x"), time.Minute))

	// claim 键已删除；新的 Claim 看到缓存命中之前也能成为 owner
	assert.False(t, mr.Exists("test:claim:fp1"))
}

func TestRedisStore_StaleOwnerKeepsTakenOverClaim(t *testing.T) {
	mr, store := setupRedisStore(t)
	defer mr.Close()
	defer store.Close()
	ctx := context.Background()

	claim, err := store.Claim(ctx, "fp1")
	require.NoError(t, err)
	require.Equal(t, Owner, claim.Role)

	// 模拟 ClaimTTL 过期后计算权被另一进程接管
	require.NoError(t, mr.Set("test:claim:fp1", "other-owner"))

	require.NoError(t, store.Publish(ctx, "fp1", testResponse("late"), time.Minute))
	got, err := mr.Get("test:claim:fp1")
	require.NoError(t, err)
	assert.Equal(t, "other-owner", got, "迟到的旧 owner 不得删除接管者的 claim")

	require.NoError(t, store.Fail(ctx, "fp1", types.NewError(types.ErrBackendTimeout, "late failure")))
	got, err = mr.Get("test:claim:fp1")
	require.NoError(t, err)
	assert.Equal(t, "other-owner", got)
}

func TestRedisStore_Clear(t *testing.T) {
	mr, store := setupRedisStore(t)
	defer mr.Close()
	defer store.Close()
	ctx := context.Background()

	for _, fp := range []string{"fp1", "fp2"} {
		c, err := store.Claim(ctx, fp)
		require.NoError(t, err)
		require.Equal(t, Owner, c.Role)
		require.NoError(t, store.Publish(ctx, fp, testResponse(fp), time.Minute))
	}

	require.NoError(t, store.Clear(ctx))

	for _, fp := range []string{"fp1", "fp2"} {
		_, found, err := store.Get(ctx, fp)
		require.NoError(t, err)
		assert.False(t, found)
	}
}
