// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, m interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	return pb.GetCounter().GetValue()
}

func TestRecordSettlement(t *testing.T) {
	RecordSettlement("tencent", "file", 400, 200, 0.17)
	RecordSettlement("tencent", "file", 100, 0, 0)

	assert.Equal(t, 2.0, counterValue(t, Settlements.WithLabelValues("tencent", "success")))
	assert.Equal(t, 500.0, counterValue(t, ConsumedSeconds.WithLabelValues("tencent", "file", "free")))
	assert.Equal(t, 200.0, counterValue(t, ConsumedSeconds.WithLabelValues("tencent", "file", "paid")))
	assert.InDelta(t, 0.17, counterValue(t, SettledCost.WithLabelValues("tencent", "file")), 1e-9)

	RecordFailedSettlement("tencent")
	assert.Equal(t, 1.0, counterValue(t, Settlements.WithLabelValues("tencent", "failed")))
}
