package camera

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packrec/internal/clock"
)

func TestManager_ConcurrentAcquireCreatesOneHandle(t *testing.T) {
	opener := NewMockOpener()
	opener.SetOpenDelay(50 * time.Millisecond)
	m := newTestManager(t, opener)

	const n = 10
	results := make([]*Stream, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Acquire(context.Background(), "0")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, opener.Opens("0"))
	assert.Equal(t, []SourceKey{"0"}, m.Keys())
}

func TestManager_AcquireReturnsExistingHandle(t *testing.T) {
	opener := NewMockOpener()
	m := newTestManager(t, opener)

	s1, err := m.Acquire(context.Background(), "0")
	require.NoError(t, err)
	s2, err := m.Acquire(context.Background(), "0")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, opener.Opens("0"))
}

func TestManager_ReleaseThenAcquire(t *testing.T) {
	opener := NewMockOpener()
	m := newTestManager(t, opener)
	ctx := context.Background()

	s1, err := m.Acquire(ctx, "0")
	require.NoError(t, err)
	m.MarkInUse("0", "budi", "recording")

	require.NoError(t, m.Release("0"))
	assert.Equal(t, 0, opener.OpenCount("0"))
	_, inUse := m.Usage("0")
	assert.False(t, inUse)
	_, ok := m.Get("0")
	assert.False(t, ok)

	// 解放直後の再取得はBusyにならない
	s2, err := m.Acquire(ctx, "0")
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, 2, opener.Opens("0"))
	assert.Equal(t, 1, opener.OpenCount("0"))

	// 存在しないキーの解放は何もしない
	assert.NoError(t, m.Release("9"))
}

func TestManager_DeviceBusy(t *testing.T) {
	opener := NewMockOpener()
	m := newTestManager(t, opener)

	release, err := m.Locks().Acquire(context.Background(), 1, time.Second)
	require.NoError(t, err)
	defer release()

	_, err = m.Acquire(context.Background(), "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceBusy)
	assert.NotErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, 0, opener.Opens("1"))
}

func TestManager_DeadHandleIsReplaced(t *testing.T) {
	opener := NewMockOpener()
	opener.SetFailAfter("0", 1)
	m := newTestManager(t, opener)

	s1, err := m.Acquire(context.Background(), "0")
	require.NoError(t, err)
	select {
	case <-s1.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("ループが終了しませんでした")
	}

	opener.SetFailAfter("0", 1<<30)
	s2, err := m.Acquire(context.Background(), "0")
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, 2, opener.Opens("0"))
}

func TestManager_ReapIdleSkipsInUse(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	opener := NewMockOpener()
	m := newTestManager(t, opener, WithClock(fake))
	ctx := context.Background()

	_, err := m.Acquire(ctx, "0")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "1")
	require.NoError(t, err)
	m.MarkInUse("1", "sari", "session")

	fake.Advance(m.Config().IdleTimeout + time.Second)

	assert.Equal(t, 1, m.ReapIdle())
	assert.Equal(t, []SourceKey{"1"}, m.Keys())
	assert.Equal(t, 0, opener.OpenCount("0"))

	u, ok := m.Usage("1")
	require.True(t, ok)
	assert.Equal(t, "sari", u.User)
}

func TestManager_Streams(t *testing.T) {
	m := newTestManager(t, NewMockOpener())
	_, err := m.Acquire(context.Background(), "0")
	require.NoError(t, err)

	infos := m.Streams()
	require.Len(t, infos, 1)
	assert.Equal(t, SourceKey("0"), infos[0].Source)
	assert.True(t, infos[0].Running)
	assert.Equal(t, "mock", infos[0].Strategy)
}
