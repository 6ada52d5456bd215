package monitor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battle-sync/internal/domain"
	"battle-sync/internal/reconciler"
)

var _ reconciler.Metrics = (*Monitor)(nil)

func TestMonitor_ReconcilerMetrics(t *testing.T) {
	m, err := NewMonitor("battlesync")
	require.NoError(t, err)

	m.RefreshSucceeded(reconciler.ScopeList, 20*time.Millisecond, true)
	m.RefreshSucceeded(reconciler.ScopeList, 10*time.Millisecond, false)
	m.RefreshSucceeded(reconciler.ScopeList, 10*time.Millisecond, false)
	m.RefreshFailed(reconciler.ScopeBattle)
	m.RefreshDropped(reconciler.ScopeList)
	m.RealtimeEvent(domain.TableBattlePlayers)
	m.Transition(domain.EnteredRolling)
	m.VisibleBattles(7)
	m.WatcherOpened()
	m.WatcherOpened()
	m.WatcherClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.Refreshes.WithLabelValues("list", "true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.metrics.Refreshes.WithLabelValues("list", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.RefreshFailures.WithLabelValues("battle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.RefreshDropped.WithLabelValues("list")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.RealtimeEvents.WithLabelValues("crate_battle_players")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.Transitions.WithLabelValues("entered_rolling")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.metrics.VisibleBattles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.ActiveWatchers))
}

func TestMonitor_SeparateRegistries(t *testing.T) {
	_, err := NewMonitor("battlesync")
	require.NoError(t, err)
	_, err = NewMonitor("battlesync")
	assert.NoError(t, err)
}

func TestMonitor_MiddlewareAndHandler(t *testing.T) {
	m, err := NewMonitor("battlesync")
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/battles/{battleID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	for _, id := range []string{"b1", "b2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/battles/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.metrics.HTTPRequests.WithLabelValues("GET", "/api/battles/{battleID}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `battlesync_http_requests_total{method="GET",route="/api/battles/{battleID}",status="404"} 2`)
	assert.Contains(t, string(body), "go_goroutines")
}
