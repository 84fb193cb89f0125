package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"marketplace/internal/config"
	"marketplace/internal/modules/order"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("MARKET_INSECURE_DEV_AUTH", "true")
	t.Setenv("MARKET_DB_DRIVER", "memory")
	t.Setenv("MARKET_REDIS_DISABLED", "true")
	cfg, err := config.LoadArgs(nil)
	require.NoError(t, err)
	cfg.HTTP.Addr = "127.0.0.1:0"
	return cfg
}

func TestBuild_MemoryBackendServesRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, err := NewContainerBuilder().WithConfig(memoryConfig(t)).Build(context.Background())
	require.NoError(t, err)

	err = c.Invoke(func(srv *http.Server, orders *order.Service) {
		require.Equal(t, "127.0.0.1:0", srv.Addr)
		require.Greater(t, srv.ReadHeaderTimeout, time.Duration(0))
		require.NotNil(t, orders)

		w := httptest.NewRecorder()
		srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)

		body := `{"restaurant_id":"r1","total":"10.00","pickup":{"lat":1,"lng":1},"dropoff":{"lat":1.01,"lng":1}}`
		req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer u1:customer")
		req.Header.Set("Content-Type", "application/json")
		w = httptest.NewRecorder()
		srv.Handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = httptest.NewRecorder()
		srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Contains(t, w.Body.String(), "http_requests_total")
	})
	require.NoError(t, err)
}

func TestRun_DBFailureSurfaces(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.DB.Driver = "postgres"
	c, err := NewContainerBuilder().
		WithConfig(cfg).
		WithDBConnect(func(context.Context, string, int, time.Duration) (*pgxpool.Pool, error) {
			return nil, errors.New("db down")
		}).
		Build(context.Background())
	require.NoError(t, err)

	err = Run(c)
	require.Error(t, err)
	require.Contains(t, err.Error(), "db down")
}

func TestMustBuild_InvalidConfigIsFatal(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Dispatch.OfferTTL = 0

	var fatal string
	c := NewContainerBuilder().
		WithConfig(cfg).
		WithLogFatalf(func(format string, _ ...interface{}) { fatal = format }).
		MustBuild(context.Background())

	// config is loaded lazily, so the failure shows on first use
	require.Empty(t, fatal)
	require.Error(t, c.Invoke(func(*http.Server) {}))
}

func TestRun_StopsOnCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewContainerBuilder().WithConfig(memoryConfig(t)).Build(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- Run(c) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
