package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"packrec/internal/barcode"
	"packrec/internal/camera"
	"packrec/internal/recording"
	"packrec/internal/session"
)

// Response はすべてのAPIの応答形式
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// errBadRequest はリクエスト内容の誤り
var errBadRequest = errors.New("リクエストが不正です")

// errorCode はエラーの種類とHTTPステータス
type errorCode struct {
	err    error
	code   string
	status int
}

var errorCodes = []errorCode{
	{errBadRequest, "bad_request", http.StatusBadRequest},
	{barcode.ErrInvalidCode, "bad_request", http.StatusBadRequest},
	{camera.ErrDeviceBusy, "device_busy", http.StatusConflict},
	{camera.ErrDeviceUnavailable, "device_unavailable", http.StatusServiceUnavailable},
	{camera.ErrNoFrame, "no_frame", http.StatusServiceUnavailable},
	{camera.ErrStreamNotFound, "stream_not_found", http.StatusNotFound},
	{camera.ErrStreamStopped, "stream_stopped", http.StatusServiceUnavailable},
	{recording.ErrAlreadyRecording, "already_recording", http.StatusConflict},
	{recording.ErrJobNotFound, "job_not_found", http.StatusNotFound},
	{recording.ErrRecordNotFound, "record_not_found", http.StatusNotFound},
	{recording.ErrPersistence, "persistence_failure", http.StatusInternalServerError},
	{session.ErrNoSession, "no_session", http.StatusConflict},
	{session.ErrSessionActive, "session_active", http.StatusConflict},
	{session.ErrNotInSession, "not_in_session", http.StatusNotFound},
	{session.ErrConflict, "conflict", http.StatusConflict},
	{session.ErrMismatch, "mismatch", http.StatusConflict},
	{session.ErrAssignmentFailed, "assignment_failed", http.StatusServiceUnavailable},
	{session.ErrRecording, "recording", http.StatusConflict},
	{session.ErrNotRecording, "not_recording", http.StatusConflict},
	{session.ErrBusy, "busy", http.StatusConflict},
	{session.ErrAlreadyAssigned, "already_assigned", http.StatusConflict},
	{session.ErrOperatorBusy, "operator_busy", http.StatusConflict},
}

// classify はエラーをコードとHTTPステータスに変換する
func classify(err error) (string, int) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code, ec.status
		}
	}
	return "internal_error", http.StatusInternalServerError
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Response{Success: true, Message: message, Data: data})
}

func fail(c *gin.Context, err error) {
	code, status := classify(err)
	c.JSON(status, Response{Success: false, Error: code, Message: err.Error()})
}
