package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DeviceLocks はローカルデバイス番号ごとの排他ロック
// 待ち時間に上限があり、超えた場合は ErrDeviceBusy を返す
type DeviceLocks struct {
	mu    sync.Mutex
	slots map[int]*semaphore.Weighted
}

// NewDeviceLocks は新しいDeviceLocksを作成する
func NewDeviceLocks() *DeviceLocks {
	return &DeviceLocks{slots: make(map[int]*semaphore.Weighted)}
}

func (l *DeviceLocks) slot(idx int) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.slots[idx]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.slots[idx] = sem
	}
	return sem
}

// Acquire はデバイス番号のロックを取得し、解放関数を返す
func (l *DeviceLocks) Acquire(ctx context.Context, idx int, wait time.Duration) (func(), error) {
	sem := l.slot(idx)
	if sem.TryAcquire(1) {
		return releaseOnce(sem), nil
	}

	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("デバイス %d: %w", idx, ErrDeviceBusy)
		}
		return nil, err
	}
	return releaseOnce(sem), nil
}

func releaseOnce(sem *semaphore.Weighted) func() {
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}
}
