// Package metrics はPrometheusメトリクスを定義する
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "packrec",
		Name:      "streams_active",
		Help:      "Number of live stream handles",
	})

	streamOpenFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "packrec",
		Name:      "stream_open_failures_total",
		Help:      "Stream open failures by reason",
	}, []string{"reason"})

	recordingsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "packrec",
		Name:      "recordings_finished_total",
		Help:      "Recordings by terminal status",
	}, []string{"status"})

	transcodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "packrec",
		Name:      "transcode_duration_seconds",
		Help:      "Duration of compatibility transcodes",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"result"})

	scanOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "packrec",
		Name:      "scan_outcomes_total",
		Help:      "Scan events by outcome",
	}, []string{"outcome"})

	healthSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "packrec",
		Name:      "health_sweep_duration_seconds",
		Help:      "Duration of source health sweeps",
		Buckets:   prometheus.DefBuckets,
	})
)

// StreamStarted はライブストリーム数を増やす
func StreamStarted() { streamsActive.Inc() }

// StreamStopped はライブストリーム数を減らす
func StreamStopped() { streamsActive.Dec() }

// IncStreamOpenFailure はオープン失敗を理由別に記録する
// reason ∈ {unavailable,busy,no_frame,unknown}
func IncStreamOpenFailure(reason string) {
	streamOpenFailures.WithLabelValues(normalize(reason, "unavailable", "busy", "no_frame")).Inc()
}

// IncRecordingFinished は終了した録画をステータス別に記録する
func IncRecordingFinished(status string) {
	recordingsFinished.WithLabelValues(normalize(status, "completed", "cancelled", "error")).Inc()
}

// ObserveTranscode はトランスコード時間を記録する
func ObserveTranscode(seconds float64, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	transcodeDuration.WithLabelValues(result).Observe(seconds)
}

// IncScanOutcome はスキャン結果を記録する
func IncScanOutcome(outcome string) {
	scanOutcomes.WithLabelValues(normalize(outcome,
		"started", "stopped", "ignored_cooldown", "no_code", "busy",
		"conflict", "mismatch", "not_in_session", "rejected")).Inc()
}

// ObserveHealthSweep はヘルススイープの所要時間を記録する
func ObserveHealthSweep(seconds float64) {
	healthSweepDuration.Observe(seconds)
}

// normalize はラベル値を許可リストに制限する
func normalize(value string, allowed ...string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return "unknown"
}
