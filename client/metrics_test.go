package client

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecordExchanges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	tr := &fakeTransport{reply: byCommand(map[string]string{
		"refresh": "theas:Cust:Name=Ada",
		"save":    "theas:th:ErrorMessage=boom",
	})}
	s := newTestSession(tr, WithMetrics(m))

	wait(t, s.SendAsync("refresh"))
	res := wait(t, s.Send(context.Background(), "save", SendOptions{}))
	assert.ErrorIs(t, res.Err, ErrServerReported)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("refresh", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("save", KindServerReported.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.surfaced))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(m.duration), 2)
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeExchange("x", nil, 0)
		m.setPending(3)
		m.heartbeat("ok")
		m.errorSurfaced()
	})
}
