package server

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestMetricsTrackRegistry(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(m, zerolog.Nop())

	first, _ := testSession(1)
	second, _ := testSession(2)
	other, _ := testSession(3)
	r.Register(7, first)
	r.Register(7, second)
	r.Register(8, other)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsSuperseded))

	r.Unregister(8, other)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConnections))
}

func TestMetricsRecordBroadcast(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordBroadcast("channel", "channel_message", 3, time.Millisecond)
	m.RecordBroadcast("dm", "dm_message", 2, time.Millisecond)
	m.RecordHandlerError("new_message", "permission")
	m.RecordDropped()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.deliveries.WithLabelValues("channel_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerErrors.WithLabelValues("new_message", "permission")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.droppedPushes))
	assert.Equal(t, 2, testutil.CollectAndCount(m.broadcastFanout))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetActiveConnections(1)
		m.RecordConnectionOpened()
		m.RecordSuperseded()
		m.RecordAuth("ok")
		m.RecordFrame("typing")
		m.RecordHandlerError("typing", "server")
		m.RecordRateLimited()
		m.RecordDropped()
		m.RecordBroadcast("dm", "user_typing", 1, time.Millisecond)
	})
}
