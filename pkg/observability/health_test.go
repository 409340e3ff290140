package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestHealthChecker_Check(t *testing.T) {
	t.Run("no dependencies", func(t *testing.T) {
		status := NewHealthChecker(nil, nil, "v1").Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, "v1", status.Version)
		assert.Empty(t, status.Dependencies)
	})

	t.Run("healthy database", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		status := NewHealthChecker(db, nil, "").Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database failure is unhealthy", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

		status := NewHealthChecker(db, nil, "").Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.Contains(t, status.Dependencies["database"].Message, "connection refused")
	})

	t.Run("required check failure is unhealthy", func(t *testing.T) {
		status := NewHealthChecker(nil, nil, "").
			WithCheck("catalog", true, func(context.Context) error { return errors.New("no plans loaded") }).
			Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.Equal(t, "no plans loaded", status.Dependencies["catalog"].Message)
	})

	t.Run("optional check failure degrades", func(t *testing.T) {
		status := NewHealthChecker(nil, nil, "").
			WithCheck("gateway", false, func(context.Context) error { return errors.New("timeout") }).
			WithCheck("catalog", true, func(context.Context) error { return nil }).
			Check(context.Background())
		assert.Equal(t, StatusDegraded, status.Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["catalog"].Status)
	})

	t.Run("optional redis outage degrades", func(t *testing.T) {
		client, mr := setupRedis(t)
		mr.Close()

		status := NewHealthChecker(nil, client, "").Check(context.Background())
		assert.Equal(t, StatusDegraded, status.Status)
	})

	t.Run("required redis outage is unhealthy", func(t *testing.T) {
		client, mr := setupRedis(t)
		mr.Close()

		status := NewHealthChecker(nil, client, "").RequireRedis().Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
	})

	t.Run("healthy redis", func(t *testing.T) {
		client, _ := setupRedis(t)
		status := NewHealthChecker(nil, client, "").Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
	})
}

func TestHealthRoutes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("down"))

	mux := http.NewServeMux()
	RegisterHealthRoutes(mux, NewHealthChecker(db, nil, "v1"))

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readiness reports 503", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, StatusUnhealthy, status.Status)
	})
}
