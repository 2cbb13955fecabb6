package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GathersRegisteredMetrics(t *testing.T) {
	ScannerTicks.Inc()
	SetupsEvaluated.WithLabelValues("AAPL", "long").Inc()
	RiskGateRejections.WithLabelValues("cooldown").Inc()

	families, err := Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["gapbot_scanner_ticks_total"])
	assert.True(t, names["gapbot_scanner_setups_evaluated_total"])
	assert.True(t, names["gapbot_riskgate_rejections_total"])
}
