package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-timetable-api/internal/handler"
	"github.com/noah-isme/campus-timetable-api/internal/service"
	"github.com/noah-isme/campus-timetable-api/pkg/config"
)

func testEngine(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{Env: config.EnvProduction, APIPrefix: "/api/v1/", CORS: config.CORSConfig{AllowedOrigins: []string{"https://timetable.example.edu"}}}
	metrics := service.NewMetricsService()
	engine := New(cfg, Handlers{
		Timetable: handler.NewTimetableHandler(nil, nil),
		Metrics:   handler.NewMetricsHandler(metrics, nil),
	}, metrics, zap.NewNop())
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func TestRouterServesOpsEndpoints(t *testing.T) {
	srv := testEngine(t)

	for _, path := range []string{"/health", "/ready", "/metrics", "/metrics/summary"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"), path)
	}

	resp, err := http.Get(srv.URL + "/docs/index.html")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouterHandlesCORSPreflight(t *testing.T) {
	srv := testEngine(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/timetables/generate", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://timetable.example.edu")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://timetable.example.edu", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSConfigAllowsAllWithoutOrigins(t *testing.T) {
	conf := corsConfig(nil)
	assert.True(t, conf.AllowAllOrigins)
	assert.Contains(t, conf.ExposeHeaders, "X-Cache")
}
