package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Handled("scanner", "markets", time.Millisecond)
		m.Failure("scanner")
		m.Decision(true, "")
		m.Risk(true, 1)
	})
	assert.NotNil(t, m.Handler())
}

func TestMetrics_Counts(t *testing.T) {
	m := New()
	m.Failure("executor")
	m.Failure("executor")
	m.Decision(false, "min_profit")

	assert.InDelta(t, 2, testutil.ToFloat64(m.AgentFailures.WithLabelValues("executor")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Decisions.WithLabelValues("false", "min_profit")), 0)
}
