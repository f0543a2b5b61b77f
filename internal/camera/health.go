package camera

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"packrec/internal/clock"
	"packrec/internal/log"
	"packrec/internal/metrics"
)

// Prober はライブハンドルのないソースの到達性を調べる
type Prober interface {
	Probe(ctx context.Context, key SourceKey) error
}

// DefaultProber はデバイスファイルとTCP接続で確認する
type DefaultProber struct {
	Locks       *DeviceLocks
	LockTimeout time.Duration
	DialTimeout time.Duration
}

// Probe はローカルデバイスならロックを取ってデバイスファイルを開き、ネットワークなら接続を試す
func (p *DefaultProber) Probe(ctx context.Context, key SourceKey) error {
	if idx, ok := key.DeviceIndex(); ok {
		release, err := p.Locks.Acquire(ctx, idx, p.LockTimeout)
		if err != nil {
			return err
		}
		defer release()

		f, err := os.OpenFile(key.DevicePath(), os.O_RDONLY, 0)
		if err != nil {
			return fmt.Errorf("%s: %v: %w", key.DevicePath(), err, ErrDeviceUnavailable)
		}
		_ = f.Close()
		return nil
	}

	addr, err := dialAddress(key)
	if err != nil {
		return err
	}
	d := net.Dialer{Timeout: p.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", addr, err, ErrDeviceUnavailable)
	}
	_ = conn.Close()
	return nil
}

// dialAddress はURLから接続先を決める
func dialAddress(key SourceKey) (string, error) {
	u, err := url.Parse(key.String())
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("URLを解釈できません: %s: %w", key, ErrDeviceUnavailable)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	switch u.Scheme {
	case "rtsp":
		port = "554"
	case "https":
		port = "443"
	case "rtmp":
		port = "1935"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// HealthChecker は設定済みソースとライブハンドルの状態を定期的に調べてキャッシュする
type HealthChecker struct {
	manager   *Manager
	prober    Prober
	discovery Discovery
	clock     clock.Clock
	logger    zerolog.Logger
	interval  time.Duration
	limit     int

	mu      sync.RWMutex
	sources []SourceKey
	names   map[SourceKey]string
	cache   map[SourceKey]SourceStatus
}

// NewHealthChecker は新しいHealthCheckerを作成する
func NewHealthChecker(manager *Manager, prober Prober, sources []SourceKey) *HealthChecker {
	cfg := manager.Config()
	limit := cfg.HealthParallelism
	if limit < 1 {
		limit = 1
	}
	h := &HealthChecker{
		manager:  manager,
		prober:   prober,
		clock:    manager.clock,
		logger:   log.WithComponent("health"),
		interval: cfg.HealthInterval,
		limit:    limit,
		names:    make(map[SourceKey]string),
		cache:    make(map[SourceKey]SourceStatus),
	}
	h.SetSources(sources)
	return h
}

// WithDiscovery はデバイス検出を有効にする
func (h *HealthChecker) WithDiscovery(d Discovery) *HealthChecker {
	h.discovery = d
	return h
}

// SetSources は監視対象の一覧を差し替える
func (h *HealthChecker) SetSources(sources []SourceKey) {
	list := make([]SourceKey, len(sources))
	copy(list, sources)
	live := h.manager.Keys()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = list
	keep := make(map[SourceKey]bool, len(list)+len(live))
	for _, k := range list {
		keep[k] = true
	}
	for _, k := range live {
		keep[k] = true
	}
	for k := range h.cache {
		if !keep[k] {
			delete(h.cache, k)
		}
	}
}

// Sources は監視対象の一覧を返す
func (h *HealthChecker) Sources() []SourceKey {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := make([]SourceKey, len(h.sources))
	copy(list, h.sources)
	return list
}

// Discover はデバイスを検出し、未登録のものを監視対象に加える
func (h *HealthChecker) Discover(ctx context.Context) ([]SourceKey, error) {
	if h.discovery == nil {
		return nil, nil
	}
	found, err := h.discovery.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[SourceKey]string)
	for _, k := range found {
		if info, err := h.discovery.GetDeviceInfo(ctx, k); err == nil {
			names[k] = info.Name
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	known := make(map[SourceKey]bool, len(h.sources))
	for _, k := range h.sources {
		known[k] = true
	}
	for _, k := range found {
		if !known[k] {
			h.sources = append(h.sources, k)
		}
		if n, ok := names[k]; ok {
			h.names[k] = n
		}
	}
	return found, nil
}

// Sweep は全対象を並列に調べてキャッシュを更新する
func (h *HealthChecker) Sweep(ctx context.Context) {
	start := time.Now()

	targets := make(map[SourceKey]bool)
	for _, k := range h.Sources() {
		targets[k] = true
	}
	for _, k := range h.manager.Keys() {
		targets[k] = true
	}

	var resMu sync.Mutex
	results := make(map[SourceKey]SourceStatus, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.limit)
	for k := range targets {
		key := k
		g.Go(func() error {
			st := h.check(gctx, key)
			resMu.Lock()
			results[key] = st
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// 対象から外れたソースは結果に残さない
	h.mu.Lock()
	h.cache = results
	h.mu.Unlock()

	metrics.ObserveHealthSweep(time.Since(start).Seconds())
}

// check はひとつのソースを調べる。ライブハンドルがあればその状態を使う
func (h *HealthChecker) check(ctx context.Context, key SourceKey) SourceStatus {
	now := h.clock.Now()
	st := SourceStatus{Source: key, LastChecked: now}

	h.mu.RLock()
	st.Name = h.names[key]
	h.mu.RUnlock()

	if u, ok := h.manager.Usage(key); ok {
		st.InUse = true
		st.UsedBy = u.User
		st.Purpose = u.Purpose
	}

	if s, ok := h.manager.Get(key); ok {
		info := s.Info()
		st.Online = s.Healthy(now)
		st.Mode = info.Mode
		st.Error = info.Error
		return st
	}

	err := h.prober.Probe(ctx, key)
	switch {
	case err == nil:
		st.Online = true
	case errors.Is(err, ErrDeviceBusy):
		// 他のオープン処理がロックを保持している
		st.Online = true
		st.InUse = true
	default:
		st.Error = err.Error()
	}
	return st
}

// Statuses はキャッシュされた結果をキー順に返す
func (h *HealthChecker) Statuses() []SourceStatus {
	h.mu.RLock()
	list := make([]SourceStatus, 0, len(h.cache))
	for _, st := range h.cache {
		list = append(list, st)
	}
	h.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Source < list[j].Source })
	return list
}

// Status はひとつのソースの結果を返す
func (h *HealthChecker) Status(key SourceKey) (SourceStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.cache[key]
	return st, ok
}

// Run は直ちに1回調べ、その後一定間隔で繰り返す
func (h *HealthChecker) Run(ctx context.Context) error {
	h.Sweep(ctx)

	interval := h.interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}
