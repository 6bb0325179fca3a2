package loadgen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/auth"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/bootstrap"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/config"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/events"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/httpapi/router"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage/memory"
)

const testSecret = "loadgen-test-secret-012345"

// newTestTarget spins up the real API over the in-memory backend.
func newTestTarget(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		AuthSecret:    testSecret,
		BatchMaxCount: 100,
		BatchMaxBytes: 1 << 20,
	}
	rt := &bootstrap.Runtime{
		Config:  cfg,
		Store:   memory.New(),
		Backend: "memory",
		Events:  events.NewLoggerEmitter(zerolog.Nop()),
		Signer:  auth.NewSigner(cfg.AuthSecret),
	}

	r := chi.NewRouter()
	router.Register(r, rt, zerolog.Nop())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRunnerValidation(t *testing.T) {
	base := Options{
		ServerURL: "http://localhost:5000",
		Secret:    testSecret,
		Users:     1,
		Duration:  time.Second,
		Logger:    zerolog.Nop(),
	}

	_, err := NewRunner(base)
	require.NoError(t, err)

	for _, tc := range []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing server", func(o *Options) { o.ServerURL = "" }},
		{"missing secret", func(o *Options) { o.Secret = "" }},
		{"zero users", func(o *Options) { o.Users = 0 }},
		{"zero duration", func(o *Options) { o.Duration = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			tc.mutate(&opts)
			_, err := NewRunner(opts)
			assert.Error(t, err)
		})
	}
}

func TestRunnerAgainstLiveServer(t *testing.T) {
	target := newTestTarget(t)

	runner, err := NewRunner(Options{
		ServerURL: target.URL,
		Secret:    testSecret,
		Users:     2,
		Duration:  500 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Users)
	assert.Greater(t, summary.TotalRequests, int64(0))
	assert.Zero(t, summary.TotalErrors, "all operations against a healthy server succeed")
	assert.Contains(t, summary.Operations, "info_collections")
	assert.Contains(t, summary.Operations, "batch_upload")
	assert.Contains(t, summary.Operations, "item_read")
}

func TestRunnerReports(t *testing.T) {
	target := newTestTarget(t)

	var received atomic.Pointer[Summary]
	report := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var s Summary
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received.Store(&s)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer report.Close()

	runner, err := NewRunner(Options{
		ServerURL: target.URL,
		Secret:    testSecret,
		Users:     1,
		Duration:  200 * time.Millisecond,
		ReportURL: report.URL,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	posted := received.Load()
	require.NotNil(t, posted, "summary must be POSTed to the report endpoint")
	assert.Equal(t, summary.TotalRequests, posted.TotalRequests)
}

func TestRunnerTokenMismatchSurfacesAsErrors(t *testing.T) {
	target := newTestTarget(t)

	runner, err := NewRunner(Options{
		ServerURL: target.URL,
		Secret:    "a-different-secret-value",
		Users:     1,
		Duration:  150 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Greater(t, summary.TotalErrors, int64(0))
}

func TestCollector(t *testing.T) {
	c := newCollector()
	c.record("op", 10*time.Millisecond, nil)
	c.record("op", 30*time.Millisecond, nil)
	c.record("op", time.Millisecond, errors.New("boom"))

	summary := c.summarize(3, time.Second, time.Now())
	require.Contains(t, summary.Operations, "op")

	op := summary.Operations["op"]
	assert.Equal(t, int64(2), op.Count)
	assert.Equal(t, int64(1), op.Errors)
	assert.InDelta(t, 20.0, op.AvgMillis, 0.01)
	assert.InDelta(t, 10.0, op.MinMillis, 0.01)
	assert.InDelta(t, 30.0, op.MaxMillis, 0.01)
	assert.Equal(t, int64(3), summary.TotalRequests)
	assert.Equal(t, int64(1), summary.TotalErrors)
	assert.InDelta(t, 3.0, summary.RequestsPerSec, 0.01)
}
