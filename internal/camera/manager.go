package camera

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"packrec/internal/clock"
	"packrec/internal/log"
)

// Manager はソースキーごとにライブストリームをひとつだけ保持する
type Manager struct {
	cfg    Config
	opener Opener
	locks  *DeviceLocks
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	streams   map[SourceKey]*Stream
	usage     map[SourceKey]Usage
	releasing map[SourceKey]chan struct{}

	group singleflight.Group
}

// Option はManagerの任意設定
type Option func(*Manager)

// WithClock は時刻源を差し替える
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger はロガーを差し替える
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithDeviceLocks はデバイスロックを共有する
func WithDeviceLocks(l *DeviceLocks) Option {
	return func(m *Manager) { m.locks = l }
}

// NewManager は新しいManagerを作成する
func NewManager(cfg Config, opener Opener, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		opener:    opener,
		locks:     NewDeviceLocks(),
		clock:     clock.Real{},
		logger:    log.WithComponent("camera"),
		streams:   make(map[SourceKey]*Stream),
		usage:     make(map[SourceKey]Usage),
		releasing: make(map[SourceKey]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Locks は共有しているデバイスロックを返す
func (m *Manager) Locks() *DeviceLocks { return m.locks }

// Config は設定を返す
func (m *Manager) Config() Config { return m.cfg }

// Acquire は健全なストリームを返す。なければ作成する
// 同じキーへの同時呼び出しはひとつの作成にまとめられる
func (m *Manager) Acquire(ctx context.Context, key SourceKey) (*Stream, error) {
	if err := m.waitRelease(ctx, key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	s, ok := m.streams[key]
	m.mu.Unlock()
	if ok && s.Healthy(m.clock.Now()) {
		return s, nil
	}

	v, err, _ := m.group.Do(string(key), func() (interface{}, error) {
		return m.create(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Stream), nil
}

// waitRelease は進行中の解放が終わるまで待つ
func (m *Manager) waitRelease(ctx context.Context, key SourceKey) error {
	for {
		m.mu.Lock()
		ch, ok := m.releasing[key]
		m.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// create は死んだハンドルを片付けて新しいストリームを開く
func (m *Manager) create(ctx context.Context, key SourceKey) (*Stream, error) {
	now := m.clock.Now()

	m.mu.Lock()
	old, ok := m.streams[key]
	if ok && old.Healthy(now) {
		m.mu.Unlock()
		return old, nil
	}
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info().Str(log.FieldSource, key.String()).Msg("応答のないストリームを作り直します")
		if err := old.Stop(); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldSource, key.String()).Msg("古いストリームの停止に失敗")
		}
	}

	s := newStream(key, m.cfg, m.opener, m.locks, m.clock, m.logger)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.streams[key] = s
	m.mu.Unlock()
	return s, nil
}

// Get は既存のストリームを返す。作成はしない
func (m *Manager) Get(key SourceKey) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[key]
	return s, ok
}

// Release はストリームを取り除き停止する
// ローカルデバイスは解放が終わるまで戻らない
func (m *Manager) Release(key SourceKey) error {
	m.mu.Lock()
	s, ok := m.streams[key]
	if !ok {
		ch, releasing := m.releasing[key]
		delete(m.usage, key)
		m.mu.Unlock()
		if releasing {
			<-ch
		}
		return nil
	}
	delete(m.streams, key)
	delete(m.usage, key)
	ch := make(chan struct{})
	m.releasing[key] = ch
	m.mu.Unlock()

	err := s.Stop()

	m.mu.Lock()
	delete(m.releasing, key)
	close(ch)
	m.mu.Unlock()

	m.logger.Info().Str(log.FieldSource, key.String()).Msg("ストリームを解放しました")
	return err
}

// MarkInUse は利用者を記録する。利用中のストリームはアイドル解放の対象外
func (m *Manager) MarkInUse(key SourceKey, user, purpose string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[key] = Usage{User: user, Purpose: purpose, Since: m.clock.Now()}
}

// ClearUsage は利用者の記録を消す
func (m *Manager) ClearUsage(key SourceKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.usage, key)
}

// Usage は利用者情報を返す
func (m *Manager) Usage(key SourceKey) (Usage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usage[key]
	return u, ok
}

// Keys はライブストリームのキーを返す
func (m *Manager) Keys() []SourceKey {
	m.mu.Lock()
	keys := make([]SourceKey, 0, len(m.streams))
	for k := range m.streams {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Streams は全ストリームの状態を返す
func (m *Manager) Streams() []StreamInfo {
	keys := m.Keys()
	infos := make([]StreamInfo, 0, len(keys))
	for _, k := range keys {
		if s, ok := m.Get(k); ok {
			infos = append(infos, s.Info())
		}
	}
	return infos
}

// ReapIdle は読み取りのない未使用ストリームと終了済みストリームを解放する
func (m *Manager) ReapIdle() int {
	now := m.clock.Now()

	m.mu.Lock()
	var victims []SourceKey
	for k, s := range m.streams {
		if _, inUse := m.usage[k]; inUse {
			continue
		}
		if s.idleSince(now) > m.cfg.IdleTimeout || !s.Healthy(now) {
			victims = append(victims, k)
		}
	}
	m.mu.Unlock()

	for _, k := range victims {
		if err := m.Release(k); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldSource, k.String()).Msg("アイドルストリームの解放に失敗")
		}
	}
	return len(victims)
}

// Run はアイドル解放を定期実行する
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.ReapIdle(); n > 0 {
				m.logger.Info().Int("count", n).Msg("アイドルストリームを解放しました")
			}
		}
	}
}

// Close は全ストリームを解放する
func (m *Manager) Close() error {
	var errs []error
	for _, k := range m.Keys() {
		if err := m.Release(k); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("一部のストリーム停止に失敗: %v", errs)
	}
	return nil
}
