package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/hexeko/billing/internal/observability"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func validConfig() *Config {
	return &Config{
		AppEnv:                "test",
		GenerationConcurrency: 4,
		GenerationLockTTL:     15 * time.Minute,
		GenerationCron:        "0 3 1 * *",
		LedgerVerifyCron:      "0 5 * * 0",
		InvoiceDueDays:        30,
		DefaultCurrency:       "EUR",
		ExportLocale:          "fr-BE",
		APIRateLimit:          120,
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, language.MustParse("fr-BE"), cfg.Locale())

	cfg.GenerationConcurrency = 0
	cfg.GenerationCron = "every month"
	cfg.DefaultCurrency = "EURO"
	err := cfg.Validate()
	require.Error(t, err)
	require.ErrorContains(t, err, "GENERATION_CONCURRENCY")
	require.ErrorContains(t, err, "GENERATION_CRON")
	require.ErrorContains(t, err, "DEFAULT_CURRENCY")
}

func TestLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("period", "2025-10"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "shown", entry["msg"])
	require.Equal(t, "2025-10", entry["period"])
	require.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func newTestRouter(t *testing.T, cfg *Config, readiness map[string]Pinger) http.Handler {
	t.Helper()
	return NewRouter(RouterParams{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:    cfg,
		Metrics:   observability.NewMetrics(),
		Readiness: readiness,
	})
}

func TestRouterHealthAndReadiness(t *testing.T) {
	failing := pingFunc(func(context.Context) error { return errors.New("connection refused") })
	ok := pingFunc(func(context.Context) error { return nil })
	router := newTestRouter(t, validConfig(), map[string]Pinger{"postgres": ok, "redis": failing})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.JSONEq(t, `{"postgres":"ok","redis":"connection refused"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/nowhere", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestRouterRateLimits(t *testing.T) {
	cfg := validConfig()
	cfg.APIRateLimit = 1
	router := newTestRouter(t, cfg, nil)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}
