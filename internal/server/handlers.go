package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"packrec/internal/camera"
	"packrec/internal/recording"
	"packrec/internal/session"
)

// snapshotWait はスナップショットで最初のフレームを待つ上限
const snapshotWait = 2 * time.Second

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

func sourceQuery(c *gin.Context) (camera.SourceKey, bool) {
	return parseKey(c, c.Query("source"))
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"streams":   len(s.deps.Cameras.Keys()),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleSources はソースの状態一覧を返す
func (s *Server) handleSources(c *gin.Context) {
	data := gin.H{"streams": s.deps.Cameras.Streams()}
	if s.deps.Health != nil {
		data["sources"] = s.deps.Health.Statuses()
	}
	respond(c, http.StatusOK, "", data)
}

type streamRequest struct {
	Source  string  `json:"source" binding:"required"`
	User    string  `json:"user"`
	Purpose string  `json:"purpose"`
	Mode    string  `json:"mode"`
	Zoom    float64 `json:"zoom"`
}

// parseKey はソースキーを検証する。不正なら400を返してfalse
func parseKey(c *gin.Context, raw string) (camera.SourceKey, bool) {
	key, err := camera.ParseSourceKey(raw)
	if err != nil {
		fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return "", false
	}
	return key, true
}

// handleAcquire はストリームを取得する
func (s *Server) handleAcquire(c *gin.Context) {
	var req streamRequest
	if !bind(c, &req) {
		return
	}
	key, ok := parseKey(c, req.Source)
	if !ok {
		return
	}
	stream, err := s.deps.Cameras.Acquire(c.Request.Context(), key)
	if err != nil {
		fail(c, err)
		return
	}
	if req.Mode != "" {
		mode, err := camera.ParseUsageMode(req.Mode)
		if err != nil {
			fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		_ = stream.SetMode(mode)
	}
	if req.User != "" {
		s.deps.Cameras.MarkInUse(key, req.User, req.Purpose)
	}
	respond(c, http.StatusOK, "ストリームを取得しました", stream.Info())
}

// handleRelease はストリームを解放する
func (s *Server) handleRelease(c *gin.Context) {
	var req streamRequest
	if !bind(c, &req) {
		return
	}
	key, ok := parseKey(c, req.Source)
	if !ok {
		return
	}
	if err := s.deps.Cameras.Release(key); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "ストリームを解放しました", nil)
}

func (s *Server) liveStream(c *gin.Context, key camera.SourceKey) (*camera.Stream, bool) {
	stream, ok := s.deps.Cameras.Get(key)
	if !ok {
		fail(c, fmt.Errorf("%s: %w", key, camera.ErrStreamNotFound))
		return nil, false
	}
	return stream, true
}

// handleMode はストリームの用途を変更する
func (s *Server) handleMode(c *gin.Context) {
	var req streamRequest
	if !bind(c, &req) {
		return
	}
	mode, err := camera.ParseUsageMode(req.Mode)
	if err != nil {
		fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	key, ok := parseKey(c, req.Source)
	if !ok {
		return
	}
	stream, ok := s.liveStream(c, key)
	if !ok {
		return
	}
	if err := stream.SetMode(mode); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "", stream.Info())
}

// handleZoom はプレビューのズーム倍率を変更する
func (s *Server) handleZoom(c *gin.Context) {
	var req streamRequest
	if !bind(c, &req) {
		return
	}
	key, ok := parseKey(c, req.Source)
	if !ok {
		return
	}
	stream, ok := s.liveStream(c, key)
	if !ok {
		return
	}
	if err := stream.SetZoom(req.Zoom); err != nil {
		fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	respond(c, http.StatusOK, "", stream.Info())
}

// handlePreview はMJPEGストリームを配信する
func (s *Server) handlePreview(c *gin.Context) {
	key, ok := sourceQuery(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, err := s.deps.Cameras.Acquire(ctx, key)
	if err != nil {
		fail(c, err)
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	var last uint64
	for {
		frame, err := stream.Next(ctx, last)
		if err != nil {
			return
		}
		last = frame.Seq
		data, _, ok := stream.Preview()
		if !ok {
			continue
		}

		// MJPEGフレームを書き込み
		if _, err := fmt.Fprintf(c.Writer, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
			return
		}
		if _, err := c.Writer.Write(data); err != nil {
			return
		}
		if _, err := c.Writer.Write([]byte("\r\n")); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

// handleSnapshot は最新の生フレームをJPEGで返す
func (s *Server) handleSnapshot(c *gin.Context) {
	key, ok := sourceQuery(c)
	if !ok {
		return
	}
	stream, err := s.deps.Cameras.Acquire(c.Request.Context(), key)
	if err != nil {
		fail(c, err)
		return
	}
	frame, ok := stream.Raw()
	if !ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), snapshotWait)
		defer cancel()
		if frame, err = stream.Next(ctx, 0); err != nil {
			fail(c, fmt.Errorf("%s: %w", key, camera.ErrNoFrame))
			return
		}
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", frame.JPEG)
}

type recordingRequest struct {
	Source   string `json:"source" binding:"required"`
	Operator string `json:"operator"`
	Category string `json:"category"`
	Code     string `json:"code" binding:"required"`
}

// handleStartRecording は録画を開始する
func (s *Server) handleStartRecording(c *gin.Context) {
	var req recordingRequest
	if !bind(c, &req) {
		return
	}
	jobID, err := s.deps.Recorder.Start(c.Request.Context(), recording.StartRequest{
		SourceKey: req.Source,
		Operator:  req.Operator,
		Category:  req.Category,
		Code:      req.Code,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "録画を開始しました", gin.H{"job_id": jobID})
}

func (s *Server) finishRecording(c *gin.Context, commit bool) {
	res, err := s.deps.Recorder.Stop(c.Request.Context(), c.Param("id"), commit)
	if err != nil {
		fail(c, err)
		return
	}
	msg := "録画を停止しました"
	if !commit {
		msg = "録画を取り消しました"
	}
	respond(c, http.StatusOK, msg, res)
}

// handleStopRecording は録画を確定させる
func (s *Server) handleStopRecording(c *gin.Context) { s.finishRecording(c, true) }

// handleCancelRecording は録画を破棄する
func (s *Server) handleCancelRecording(c *gin.Context) { s.finishRecording(c, false) }

// handleRecording はジョブIDのレコードを返す
func (s *Server) handleRecording(c *gin.Context) {
	rec, err := s.deps.Recorder.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "", rec)
}

// handleRecordings は最近のレコードと実行中のジョブを返す
func (s *Server) handleRecordings(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		fail(c, fmt.Errorf("%w: limit", errBadRequest))
		return
	}
	ctx := c.Request.Context()
	recent, err := s.deps.Recorder.Recent(ctx, limit)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "", gin.H{
		"active":  s.deps.Recorder.Active(ctx),
		"records": recent,
	})
}

// handleStats は1日分の状態別件数を返す
func (s *Server) handleStats(c *gin.Context) {
	day := time.Now()
	if q := c.Query("day"); q != "" {
		d, err := time.ParseInLocation("2006-01-02", q, time.Local)
		if err != nil {
			fail(c, fmt.Errorf("%w: day", errBadRequest))
			return
		}
		day = d
	}
	st, err := s.deps.Recorder.Stats(c.Request.Context(), day)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "", st)
}

// handleSession はセッションの状態を返す
func (s *Server) handleSession(c *gin.Context) {
	data := gin.H{
		"summary":     s.deps.Session.Summary(),
		"assignments": s.deps.Session.Assignments(),
	}
	if sess, ok := s.deps.Session.Session(); ok {
		data["session"] = sess
	}
	respond(c, http.StatusOK, "", data)
}

// handleCreateSession はセッションを開始する
func (s *Server) handleCreateSession(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	sess, err := s.deps.Session.CreateSession(req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "セッションを開始しました", sess)
}

// handleEndSession はセッションを終了する
func (s *Server) handleEndSession(c *gin.Context) {
	summary, err := s.deps.Session.EndSession(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "セッションを終了しました", summary)
}

type assignRequest struct {
	Source   string `json:"source" binding:"required"`
	Operator string `json:"operator" binding:"required"`
	Category string `json:"category"`
}

// handleAssign はカメラを割り当てる
func (s *Server) handleAssign(c *gin.Context) {
	var req assignRequest
	if !bind(c, &req) {
		return
	}
	key, ok := parseKey(c, req.Source)
	if !ok {
		return
	}
	a, err := s.deps.Session.AssignCamera(c.Request.Context(), key, req.Operator, req.Category)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "カメラを割り当てました", a)
}

// handleUnassign はカメラの割り当てを外す
func (s *Server) handleUnassign(c *gin.Context) {
	key, ok := sourceQuery(c)
	if !ok {
		return
	}
	if err := s.deps.Session.UnassignCamera(c.Request.Context(), key); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "カメラの割り当てを外しました", nil)
}

type scanRequest struct {
	Source string `json:"source" binding:"required"`
	Code   string `json:"code"`
	Image  string `json:"image"` // base64のJPEG。空ならストリームの最新フレーム
}

// handleScan はスキャンを受け付ける
// コードがあればそのまま、なければ画像から読み取る
func (s *Server) handleScan(c *gin.Context) {
	var req scanRequest
	if !bind(c, &req) {
		return
	}
	key, ok := parseKey(c, req.Source)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		res session.ScanResult
		err error
	)
	switch {
	case req.Code != "":
		res, err = s.deps.Session.HandleCode(ctx, key, req.Code)
	case req.Image != "":
		img, derr := decodeImage(req.Image)
		if derr != nil {
			fail(c, derr)
			return
		}
		res, err = s.deps.Session.ReportScan(ctx, key, img)
	default:
		res, err = s.deps.Session.ReportScan(ctx, key, nil)
	}
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, string(res.Outcome), res)
}

// decodeImage はbase64（data URL可）の画像をデコードする
func decodeImage(s string) (image.Image, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: 画像のbase64が不正です", errBadRequest)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: 画像をデコードできません: %v", errBadRequest, err)
	}
	return img, nil
}

type sourceRequest struct {
	Source string `json:"source" binding:"required"`
}

func (s *Server) sessionFinish(c *gin.Context, commit bool) {
	var req sourceRequest
	if !bind(c, &req) {
		return
	}
	key, ok := parseKey(c, req.Source)
	if !ok {
		return
	}
	var (
		res session.ScanResult
		err error
	)
	if commit {
		res, err = s.deps.Session.StopRecording(c.Request.Context(), key)
	} else {
		res, err = s.deps.Session.CancelRecording(c.Request.Context(), key)
	}
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, string(res.Outcome), res)
}

// handleSessionStop はセッションのカメラの録画を確定させる
func (s *Server) handleSessionStop(c *gin.Context) { s.sessionFinish(c, true) }

// handleSessionCancel はセッションのカメラの録画を破棄する
func (s *Server) handleSessionCancel(c *gin.Context) { s.sessionFinish(c, false) }
