package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/Garl-Protocol/garl/internal/core"
)

// Collectors register on the default registry once per process.
var m = New()

func TestEmitCountsAnomaliesByType(t *testing.T) {
	m.Emit("agent-1", core.EventAnomaly, map[string]interface{}{"anomaly_type": "failure_spike"})
	m.Emit("agent-1", core.EventAnomaly, map[string]interface{}{"anomaly_type": "failure_spike"})
	m.Emit("agent-1", core.EventAnomaly, map[string]interface{}{})

	// other events pass through uncounted
	m.Emit("agent-1", core.EventTraceRecorded, map[string]interface{}{"status": "success"})
	m.Emit("agent-1", core.EventTierChange, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AnomaliesDetected.WithLabelValues("failure_spike")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnomaliesDetected.WithLabelValues("unknown")))
}
