package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battle-sync/pkg/logger"
	"battle-sync/pkg/redis"
)

func TestHealthHandler_Check(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient, err := redis.NewClient("redis://"+mr.Addr(), "test", logger.NewNop())
	require.NoError(t, err)
	defer redisClient.Close()

	h := NewHealthHandler(logger.NewNop(), HealthCheck{Name: "redis", Check: redisClient.Health})

	rec := httptest.NewRecorder()
	h.Check(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "battle-sync", body.Service)
	assert.Equal(t, map[string]string{"redis": "healthy"}, body.Components)

	mr.SetError("server unavailable")
	rec = httptest.NewRecorder()
	h.Check(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unhealthy", body.Components["redis"])
}

func TestHealthHandler_NoDependencies(t *testing.T) {
	h := NewHealthHandler(logger.NewNop())

	rec := httptest.NewRecorder()
	h.Check(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := NewHealthHandler(logger.NewNop(), HealthCheck{Name: "database", Check: func(context.Context) error { return assert.AnError }})
	rec = httptest.NewRecorder()
	failing.Check(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
