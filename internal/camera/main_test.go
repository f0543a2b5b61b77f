package camera

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testConfig はテスト用に短い時間設定を返す
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StartupGrace = 500 * time.Millisecond
	cfg.FirstFrameTimeout = 200 * time.Millisecond
	cfg.ReadTimeout = 100 * time.Millisecond
	cfg.InitAttempts = 2
	cfg.InitBackoff = 10 * time.Millisecond
	cfg.MaxConsecutiveErrors = 3
	cfg.DeviceLockTimeout = 200 * time.Millisecond
	cfg.ProbeLockTimeout = 50 * time.Millisecond
	cfg.DeviceSettle = 10 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second
	for m, p := range cfg.Profiles {
		p.FPS = 100
		cfg.Profiles[m] = p
	}
	return cfg
}
