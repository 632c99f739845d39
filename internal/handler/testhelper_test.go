package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/amura2406/songshake/internal/config"
	"github.com/amura2406/songshake/internal/live"
	"github.com/amura2406/songshake/internal/logging"
	"github.com/amura2406/songshake/internal/middleware"
	"github.com/amura2406/songshake/internal/model"
	"github.com/amura2406/songshake/internal/service"
	"github.com/amura2406/songshake/internal/store"
	"github.com/amura2406/songshake/internal/testutil"
	"github.com/amura2406/songshake/internal/worker"
)

const testJWTSecret = "test-secret-for-handlers"

// queueDispatcher accepts jobs without running them; tests call Execute.
type queueDispatcher struct {
	mu   sync.Mutex
	jobs []string
}

func (d *queueDispatcher) Dispatch(_ context.Context, job *model.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job.ID)
	return nil
}

type testApp struct {
	app      *fiber.App
	jobs     *service.JobService
	usage    *service.UsageService
	store    *store.SQLiteStore
	catalog  *testutil.FakeCatalog
	enricher *testutil.FakeEnricher
	auth     *middleware.AuthMiddleware
}

// setupApp wires the real services over in-memory SQLite with fake
// catalog and enrichment ports. Rate limiting runs without Redis.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	s, err := store.OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := logging.Discard()
	pricing := config.DefaultPricing()
	registry := live.NewRegistry()
	catalog := testutil.NewFakeCatalog()
	enricher := testutil.NewFakeEnricher()

	usageService := service.NewUsageService(s, registry, logger)
	jobService := service.NewJobService(
		s,
		registry,
		usageService,
		worker.NewRunner(catalog, enricher, s, pricing, logger),
		worker.NewRetryEngine(catalog, enricher, s, pricing, logger),
		enricher,
		service.JobServiceConfig{FlushEvery: 5, HistoryLimit: 20},
		logger,
	)
	jobService.SetDispatcher(&queueDispatcher{})

	validate := validator.New()
	auth := middleware.NewAuthMiddleware(testJWTSecret)

	app := fiber.New()
	RegisterRoutes(app, Routes{
		Health:      NewHealthHandler(s, jobService.EnrichmentConfigured),
		Jobs:        NewJobHandler(jobService, usageService, validate, logger),
		Streams:     NewStreamHandler(jobService, usageService, 10*time.Millisecond, 10*time.Millisecond, logger),
		Tracks:      NewTrackHandler(service.NewTrackService(s), validate, logger),
		Auth:        auth,
		RateLimiter: middleware.NewRateLimiter(nil, logger),
		JobsPerHour: 10000,
	})

	return &testApp{
		app:      app,
		jobs:     jobService,
		usage:    usageService,
		store:    s,
		catalog:  catalog,
		enricher: enricher,
		auth:     auth,
	}
}

// generateToken signs a token for owner.
func (ta *testApp) generateToken(t *testing.T, owner string) string {
	t.Helper()
	token, err := ta.auth.GenerateToken(owner, owner+"@example.com")
	require.NoError(t, err)
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as owner.
func (ta *testApp) doAuthRequest(t *testing.T, owner, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(ta.app, method, path, body, map[string]string{
		"Authorization": "Bearer " + ta.generateToken(t, owner),
	})
	require.NoError(t, err)
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// parseJSON decodes the response body into v.
func parseJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	body := readBody(t, resp)
	require.NoError(t, json.Unmarshal([]byte(body), v), "body: %s", body)
}

// errorCode extracts error.code from an error envelope.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	parseJSON(t, resp, &envelope)
	return envelope.Error.Code
}
