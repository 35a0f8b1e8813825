package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

func TestCounters(t *testing.T) {
	Register()
	Register()

	before := value(t, holdsOffered.WithLabelValues("cancellation"))
	IncHoldOffered("cancellation")
	assert.Equal(t, before+1, value(t, holdsOffered.WithLabelValues("cancellation")))

	IncHTTP("/api/queue", 200)
	assert.GreaterOrEqual(t, value(t, httpRequests.WithLabelValues("/api/queue", "200")), 1.0)

	SetActiveEntries(3)
	assert.Equal(t, 3.0, value(t, activeEntries))

	ObserveTick(10 * time.Millisecond)
}
