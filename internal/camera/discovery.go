package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var videoNumberPattern = regexp.MustCompile(`^/dev/video(\d+)$`)

// LinuxDiscovery は/dev/video*からローカルデバイスを検出する
type LinuxDiscovery struct {
	Locks       *DeviceLocks
	LockTimeout time.Duration
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery(locks *DeviceLocks) *LinuxDiscovery {
	return &LinuxDiscovery{Locks: locks, LockTimeout: time.Second}
}

// ScanDevices はカラーフォーマットを持つメインのデバイスだけを番号順に返す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]SourceKey, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	var indices []int
	for _, m := range matches {
		if n, ok := extractDeviceNumber(m); ok {
			indices = append(indices, n)
		}
	}
	sort.Ints(indices)

	var keys []SourceKey
	for _, idx := range indices {
		select {
		case <-ctx.Done():
			return keys, ctx.Err()
		default:
		}

		key := SourceKey(strconv.Itoa(idx))
		if !d.isReadable(key.DevicePath()) {
			continue
		}
		if d.isMainCamera(ctx, idx) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// GetDeviceInfo はv4l2-ctlからデバイス名とフォーマットを取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, key SourceKey) (*DeviceInfo, error) {
	idx, ok := key.DeviceIndex()
	if !ok {
		return nil, fmt.Errorf("ローカルデバイスではありません: %s", key)
	}
	path := key.DevicePath()
	if !d.isReadable(path) {
		return nil, fmt.Errorf("%s: %w", path, ErrDeviceUnavailable)
	}

	name := d.deviceName(ctx, path)
	if name == "" {
		name = fmt.Sprintf("カメラ %d", idx)
	}
	return &DeviceInfo{
		Source:  key,
		Device:  path,
		Name:    name,
		Formats: d.formats(ctx, path),
	}, nil
}

func (d *LinuxDiscovery) isReadable(path string) bool {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// deviceName は "Card type" の行からカメラ名を取り出す
func (d *LinuxDiscovery) deviceName(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", path, "--info").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Card type") {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

func (d *LinuxDiscovery) listFormats(ctx context.Context, path string) string {
	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", path, "--list-formats-ext").Output()
	if err != nil {
		return ""
	}
	return string(output)
}

func (d *LinuxDiscovery) formats(ctx context.Context, path string) []string {
	out := d.listFormats(ctx, path)
	var formats []string
	for _, f := range []string{"MJPG", "YUYV", "GREY"} {
		if strings.Contains(out, f) {
			formats = append(formats, f)
		}
	}
	return formats
}

// isMainCamera はカラーフォーマットを持ち、同名の若い番号がないデバイスを選ぶ
// 利用中のデバイスに触れないよう、デバイスロックが取れなければ候補に含める
func (d *LinuxDiscovery) isMainCamera(ctx context.Context, idx int) bool {
	if d.Locks != nil {
		release, err := d.Locks.Acquire(ctx, idx, d.LockTimeout)
		if err != nil {
			return true
		}
		defer release()
	}

	path := fmt.Sprintf("/dev/video%d", idx)
	out := d.listFormats(ctx, path)
	if !hasColorFormat(out) {
		return false
	}

	name := d.deviceName(ctx, path)
	for i := 0; i < idx; i++ {
		sibling := fmt.Sprintf("/dev/video%d", i)
		if !d.isReadable(sibling) || !hasColorFormat(d.listFormats(ctx, sibling)) {
			continue
		}
		if name != "" && d.deviceName(ctx, sibling) == name {
			return false
		}
	}
	return true
}

func hasColorFormat(formats string) bool {
	return strings.Contains(formats, "YUYV") || strings.Contains(formats, "MJPG")
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) (int, bool) {
	m := videoNumberPattern.FindStringSubmatch(device)
	if len(m) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu      sync.Mutex
	devices []SourceKey
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices ...SourceKey) *MockDiscovery {
	return &MockDiscovery{devices: devices}
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]SourceKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]SourceKey, len(m.devices))
	copy(list, m.devices)
	return list, nil
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, key SourceKey) (*DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d == key {
			return &DeviceInfo{
				Source:  key,
				Device:  key.DevicePath(),
				Name:    fmt.Sprintf("テストカメラ %d", i+1),
				Formats: []string{"MJPG"},
			}, nil
		}
	}
	return nil, fmt.Errorf("デバイスが見つかりません: %s", key)
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(key SourceKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d == key {
			return
		}
	}
	m.devices = append(m.devices, key)
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(key SourceKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d == key {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			return
		}
	}
}
