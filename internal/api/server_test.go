package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-narrator/infrastructure/monitor"
	"trade-narrator/internal/engine"
	"trade-narrator/internal/exchange"
	"trade-narrator/inventory"
)

type fakePositions struct {
	positions map[string]inventory.Position
	history   []inventory.ClosedTrade
}

func (f fakePositions) Positions() map[string]inventory.Position { return f.positions }
func (f fakePositions) History() []inventory.ClosedTrade         { return f.history }
func (f fakePositions) HistorySince(since time.Time) []inventory.ClosedTrade {
	var out []inventory.ClosedTrade
	for _, t := range f.history {
		if t.ClosedAt.After(since) {
			out = append(out, t)
		}
	}
	return out
}

type fakeSession struct{ status exchange.SessionStatus }

func (f fakeSession) Status() exchange.SessionStatus { return f.status }

type fakeStats struct{ stats engine.Statistics }

func (f fakeStats) GetStatistics() engine.Statistics { return f.stats }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	h.ServeHTTP(rec, req)
	return rec
}

func newTestRouter() http.Handler {
	now := time.Now()
	mon := monitor.New(monitor.DefaultConfig())
	mon.RecordWSConnection()
	return NewRouter(Providers{
		Positions: fakePositions{
			positions: map[string]inventory.Position{
				"SOL": {Asset: "SOL", TotalQty: 3},
				"ETH": {Asset: "ETH", TotalQty: 1, AvgBuyPrice: 2000},
			},
			history: []inventory.ClosedTrade{
				{ID: "old", Asset: "BTC", ROIPercent: 50, EntryCapitalPercent: 10, ClosedAt: now.Add(-48 * time.Hour)},
				{ID: "new", Asset: "ETH", ROIPercent: 10, EntryCapitalPercent: 10, ClosedAt: now.Add(-time.Hour)},
			},
		},
		Session: fakeSession{status: exchange.SessionStatus{State: exchange.StateSubscribed.String(), Connects: 2}},
		Stats:   fakeStats{stats: engine.Statistics{Snapshots: 7, Transitions: 3}},
		Metrics: mon.Handler(),
	})
}

func TestHealthAndReady(t *testing.T) {
	r := newTestRouter()
	assert.Equal(t, http.StatusOK, get(t, r, "/healthz").Code)

	rec := get(t, r, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)

	notReady := NewRouter(Providers{Session: fakeSession{status: exchange.SessionStatus{State: exchange.StateConnecting.String()}}})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, notReady, "/readyz").Code)
}

func TestPositionsSorted(t *testing.T) {
	rec := get(t, newTestRouter(), "/api/positions")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count     int                  `json:"count"`
		Positions []inventory.Position `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "ETH", body.Positions[0].Asset)
	assert.Equal(t, "SOL", body.Positions[1].Asset)
	assert.InDelta(t, 2000, body.Positions[0].AvgBuyPrice, 1e-9)
}

func TestHistoryWindow(t *testing.T) {
	r := newTestRouter()

	var all struct {
		Count int `json:"count"`
	}
	rec := get(t, r, "/api/history")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Equal(t, 2, all.Count)

	var recent struct {
		Count       int                     `json:"count"`
		WeightedROI float64                 `json:"weighted_roi"`
		Trades      []inventory.ClosedTrade `json:"trades"`
	}
	rec = get(t, r, "/api/history?hours=24")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recent))
	assert.Equal(t, 1, recent.Count)
	assert.Equal(t, "new", recent.Trades[0].ID)
	assert.InDelta(t, 10, recent.WeightedROI, 1e-9)

	assert.Equal(t, http.StatusBadRequest, get(t, r, "/api/history?hours=abc").Code)
}

func TestSessionAndEngine(t *testing.T) {
	r := newTestRouter()

	var st exchange.SessionStatus
	rec := get(t, r, "/api/session")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "SUBSCRIBED", st.State)
	assert.EqualValues(t, 2, st.Connects)

	rec = get(t, r, "/api/engine")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"snapshots":7`)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestRouter(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "narrator_okx_ws_connects_total 1")
}

func TestMissingProviders(t *testing.T) {
	r := NewRouter(Providers{})
	for _, path := range []string{"/api/positions", "/api/history", "/api/session", "/api/engine"} {
		assert.Equal(t, http.StatusServiceUnavailable, get(t, r, path).Code, path)
	}
	assert.Equal(t, http.StatusNotFound, get(t, r, "/metrics").Code)
}
