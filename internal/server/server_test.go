package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/jpeg"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packrec/internal/barcode"
	"packrec/internal/camera"
	"packrec/internal/config"
	"packrec/internal/recording"
	"packrec/internal/session"
)

func testCameraConfig() camera.Config {
	cfg := camera.DefaultConfig()
	cfg.StartupGrace = 500 * time.Millisecond
	cfg.FirstFrameTimeout = 200 * time.Millisecond
	cfg.ReadTimeout = 100 * time.Millisecond
	cfg.InitAttempts = 1
	cfg.DeviceLockTimeout = 200 * time.Millisecond
	cfg.DeviceSettle = 10 * time.Millisecond
	for m, p := range cfg.Profiles {
		p.FPS = 50
		cfg.Profiles[m] = p
	}
	return cfg
}

type testEnv struct {
	srv    *Server
	cams   *camera.Manager
	opener *camera.MockOpener
	rec    *recording.Manager
	sess   *session.Orchestrator
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"

	env := &testEnv{opener: camera.NewMockOpener()}
	env.cams = camera.NewManager(testCameraConfig(), env.opener)

	recCfg := recording.DefaultConfig()
	recCfg.RootDir = t.TempDir()
	recCfg.AcquireRetryDelay = 10 * time.Millisecond
	env.rec = recording.NewManager(recCfg, env.cams, recording.NewMemoryStore(),
		recording.WithTranscoder(&recording.MockTranscoder{}))
	env.sess = session.NewOrchestrator(session.DefaultConfig(), env.cams, env.rec, barcode.NewDecoder())

	health := camera.NewHealthChecker(env.cams, &camera.DefaultProber{Locks: env.cams.Locks()}, []camera.SourceKey{"0"})
	env.srv = New(cfg, Deps{Cameras: env.cams, Health: health, Recorder: env.rec, Session: env.sess})

	t.Cleanup(func() {
		env.rec.Close(context.Background())
		_ = env.cams.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)

	var resp Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	env := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestServer(t)

	w, _ := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w, _ = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestStreamEndpoints(t *testing.T) {
	env := newTestServer(t)

	w, resp := env.do(t, http.MethodPost, "/api/streams/acquire", obj{"source": "0", "user": "Budi", "purpose": "preview", "mode": "scan"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, resp.Success)

	s, ok := env.cams.Get("0")
	require.True(t, ok)
	assert.Equal(t, camera.ModeScan, s.Mode())
	usage, ok := env.cams.Usage("0")
	require.True(t, ok)
	assert.Equal(t, "Budi", usage.User)

	w, _ = env.do(t, http.MethodPut, "/api/streams/mode", obj{"source": "0", "mode": "record"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, camera.ModeRecord, s.Mode())

	w, resp = env.do(t, http.MethodPut, "/api/streams/mode", obj{"source": "0", "mode": "slowmo"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", resp.Error)

	w, _ = env.do(t, http.MethodPut, "/api/streams/zoom", obj{"source": "0", "zoom": 2.0})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, s.Zoom())

	w, _ = env.do(t, http.MethodPut, "/api/streams/zoom", obj{"source": "0", "zoom": 9.0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodGet, "/api/streams/snapshot?source=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	_, err := jpeg.Decode(bytes.NewReader(w.Body.Bytes()))
	assert.NoError(t, err)

	w, resp = env.do(t, http.MethodGet, "/api/sources", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	w, _ = env.do(t, http.MethodPost, "/api/streams/release", obj{"source": "0"})
	assert.Equal(t, http.StatusOK, w.Code)
	_, ok = env.cams.Get("0")
	assert.False(t, ok)

	w, resp = env.do(t, http.MethodPut, "/api/streams/zoom", obj{"source": "0", "zoom": 2.0})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "stream_not_found", resp.Error)
}

func TestAcquireUnavailable(t *testing.T) {
	env := newTestServer(t)
	env.opener.SetOpenError("7", assert.AnError)

	w, resp := env.do(t, http.MethodPost, "/api/streams/acquire", obj{"source": "7"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "device_unavailable", resp.Error)

	w, _ = env.do(t, http.MethodPost, "/api/streams/acquire", obj{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreviewStream(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/streams/preview?source=0", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "multipart/x-mixed-replace")

	// 2フレーム分の境界を読む
	r := bufio.NewReader(resp.Body)
	boundaries := 0
	for boundaries < 2 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "--frame") {
			boundaries++
		}
	}
	cancel()
}

func TestRecordingEndpoints(t *testing.T) {
	env := newTestServer(t)

	w, resp := env.do(t, http.MethodPost, "/api/recordings", obj{"source": "0", "operator": "Budi", "category": "shopee", "code": "RESI123"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	jobID := resp.Data.(map[string]any)["job_id"].(string)

	w, resp = env.do(t, http.MethodPost, "/api/recordings", obj{"source": "0", "code": "RESI999"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_recording", resp.Error)

	w, _ = env.do(t, http.MethodGet, "/api/recordings/"+jobID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "RECORDING")

	require.Eventually(t, func() bool {
		job, ok := env.rec.ActiveForSource(context.Background(), "0")
		return ok && job.Frames > 2
	}, 3*time.Second, 10*time.Millisecond)

	w, _ = env.do(t, http.MethodPost, "/api/recordings/"+jobID+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "COMPLETED")

	w, resp = env.do(t, http.MethodPost, "/api/recordings/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "job_not_found", resp.Error)

	w, _ = env.do(t, http.MethodGet, "/api/recordings?limit=5", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "RESI123")

	w, _ = env.do(t, http.MethodGet, "/api/recordings/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"COMPLETED":1`)

	w, _ = env.do(t, http.MethodGet, "/api/recordings/stats?day=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodGet, "/api/recordings/unknown-job", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestServer(t)

	w, resp := env.do(t, http.MethodPost, "/api/session/scan", obj{"source": "0", "code": "X"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "no_session", resp.Error)

	w, _ = env.do(t, http.MethodPost, "/api/session", obj{"name": "朝番"})
	require.Equal(t, http.StatusCreated, w.Code)
	w, resp = env.do(t, http.MethodPost, "/api/session", nil)
	assert.Equal(t, "session_active", resp.Error)

	w, _ = env.do(t, http.MethodPost, "/api/session/cameras", obj{"source": "0", "operator": "Budi", "category": "shopee"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, resp = env.do(t, http.MethodPost, "/api/session/cameras", obj{"source": "1", "operator": "Budi"})
	assert.Equal(t, "operator_busy", resp.Error)

	w, resp = env.do(t, http.MethodPost, "/api/session/scan", obj{"source": "0", "code": "RESI123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(session.OutcomeStarted), resp.Message)

	w, resp = env.do(t, http.MethodPost, "/api/session/scan", obj{"source": "0", "code": "RESI123"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(session.OutcomeIgnoredCooldown), resp.Message)

	w, resp = env.do(t, http.MethodPost, "/api/session/scan", obj{"source": "0", "code": "RESI999"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "mismatch", resp.Error)

	w, resp = env.do(t, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "recording", resp.Error)

	w, _ = env.do(t, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"recording":1`)

	w, resp = env.do(t, http.MethodPost, "/api/session/cancel", obj{"source": "0"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(session.OutcomeStopped), resp.Message)

	w, _ = env.do(t, http.MethodDelete, "/api/session/cameras?source=0", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, http.MethodDelete, "/api/session", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestScanImage(t *testing.T) {
	env := newTestServer(t)
	_, err := env.sess.CreateSession("")
	require.NoError(t, err)
	_, err = env.sess.AssignCamera(context.Background(), "0", "Budi", "jnt")
	require.NoError(t, err)

	// コードの写っていない画像
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, camera.TestPattern(64, 48), nil))
	img := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	w, resp := env.do(t, http.MethodPost, "/api/session/scan", obj{"source": "0", "image": img})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(session.OutcomeNoCode), resp.Message)

	w, resp = env.do(t, http.MethodPost, "/api/session/scan", obj{"source": "0", "image": "!!!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", resp.Error)
}

func TestClassify(t *testing.T) {
	code, status := classify(session.ErrConflict)
	assert.Equal(t, "conflict", code)
	assert.Equal(t, http.StatusConflict, status)

	code, status = classify(assert.AnError)
	assert.Equal(t, "internal_error", code)
	assert.Equal(t, http.StatusInternalServerError, status)
}

type obj = map[string]any
