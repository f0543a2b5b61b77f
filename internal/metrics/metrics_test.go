package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "busy", normalize(" BUSY ", "unavailable", "busy"))
	assert.Equal(t, "unknown", normalize("weird", "unavailable", "busy"))
}

func TestIncScanOutcome(t *testing.T) {
	before := testutil.ToFloat64(scanOutcomes.WithLabelValues("conflict"))
	IncScanOutcome("conflict")
	assert.Equal(t, before+1, testutil.ToFloat64(scanOutcomes.WithLabelValues("conflict")))

	unknownBefore := testutil.ToFloat64(scanOutcomes.WithLabelValues("unknown"))
	IncScanOutcome("something-else")
	assert.Equal(t, unknownBefore+1, testutil.ToFloat64(scanOutcomes.WithLabelValues("unknown")))
}
