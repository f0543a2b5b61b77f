// Package notify はセッションの出来事（開始・停止・競合・エラー）を外部へ通知する
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"packrec/internal/log"
)

// Kind は通知の種類
type Kind string

const (
	KindStarted  Kind = "started"
	KindStopped  Kind = "stopped"
	KindConflict Kind = "conflict"
	KindMismatch Kind = "mismatch"
	KindError    Kind = "error"
)

// Event は通知の内容
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Operator  string    `json:"operator,omitempty"`
	Source    string    `json:"source,omitempty"`
	Code      string    `json:"code,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier は通知の送り先
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Close() error
}

// LogNotifier はログに出すだけのNotifier
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier は新しいLogNotifierを作成する
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	e := n.logger.Info()
	if ev.Kind == KindError || ev.Kind == KindConflict || ev.Kind == KindMismatch {
		e = n.logger.Warn()
	}
	e.Str("kind", string(ev.Kind)).
		Str(log.FieldSessionID, ev.SessionID).
		Str(log.FieldSource, ev.Source).
		Str(log.FieldCode, ev.Code).
		Str(log.FieldJobID, ev.JobID).
		Msg(ev.Message)
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// Multi は複数のNotifierへ順に送る
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryNotifier は受け取った通知を保持するテスト用Notifier
type MemoryNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryNotifier) Notify(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryNotifier) Close() error { return nil }

// Events は受け取った通知のコピーを返す
func (m *MemoryNotifier) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Kinds は受け取った通知の種類を順に返す
func (m *MemoryNotifier) Kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]Kind, len(m.events))
	for i, ev := range m.events {
		kinds[i] = ev.Kind
	}
	return kinds
}
