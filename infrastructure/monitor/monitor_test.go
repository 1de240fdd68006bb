package monitor

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorCounters(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordWSConnection()
	m.RecordWSConnection()
	m.RecordWSDisconnect()
	m.RecordLoginFailure()
	m.UpdateSessionState(4)
	m.RecordTransition("OPEN")
	m.RecordTransition("OPEN")
	m.RecordTransition("CLOSE")
	m.RecordLookupFailure("price")
	m.UpdateOpenPositions(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.wsConnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsDisconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loginFailures))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sessionState))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("CLOSE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookupFailures.WithLabelValues("price")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.openPositions))
}

func TestMonitorNilSafe(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() {
		m.RecordWSConnection()
		m.RecordTransition("OPEN")
		m.RecordSnapshotLatency(0.1)
		m.RecordNotifyFailure("NEW_BUY")
	})
}

func TestMonitorHandler(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordWSConnection()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "narrator_okx_ws_connects_total 1")
}
