package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gathered(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	next:
		for _, metric := range fam.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return -1
}

func TestMetrics_Record(t *testing.T) {
	m := New()
	m.Opened("BTCUSDT", "LONG")
	m.Opened("BTCUSDT", "LONG")
	m.Closed("STOP_LOSS")
	m.Rejected("MAX_POSITIONS")
	m.StopRatcheted()
	m.VenueRetry("close_position")
	m.Escalated("CLOSE_FAILED")
	m.Phantom()
	m.SetOpenPositions(3)
	m.SetRealizedPnlToday(decimal.RequireFromString("-12.5"))

	assert.Equal(t, 2.0, gathered(t, m, "tothemoon_positions_opened_total", map[string]string{"symbol": "BTCUSDT", "side": "LONG"}))
	assert.Equal(t, 1.0, gathered(t, m, "tothemoon_positions_closed_total", map[string]string{"reason": "STOP_LOSS"}))
	assert.Equal(t, 1.0, gathered(t, m, "tothemoon_admissions_rejected_total", map[string]string{"reason": "MAX_POSITIONS"}))
	assert.Equal(t, 1.0, gathered(t, m, "tothemoon_stop_ratchets_total", nil))
	assert.Equal(t, 1.0, gathered(t, m, "tothemoon_phantoms_total", nil))
	assert.Equal(t, 3.0, gathered(t, m, "tothemoon_open_positions", nil))
	assert.Equal(t, -12.5, gathered(t, m, "tothemoon_realized_pnl_today", nil))
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Opened("X", "LONG")
		m.Closed("TIMEOUT")
		m.SetOpenPositions(1)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Closed("TAKE_PROFIT")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `tothemoon_positions_closed_total{reason="TAKE_PROFIT"} 1`)
}
