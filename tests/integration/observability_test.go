package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskfleet/internal/infrastructure/health"
	"taskfleet/internal/infrastructure/metrics"
	"taskfleet/internal/journal"
	"taskfleet/internal/mock"
)

// TestMetricsServerReportsComponentHealth runs the metrics listener against
// real component checks and flips one of them to unhealthy.
func TestMetricsServerReportsComponentHealth(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)

	market := mock.NewMockMarket()
	logger := &nopLogger{}

	monitor := health.NewManager(logger)
	monitor.Register("journal", func() error { return jrnl.Ping(context.Background()) })
	monitor.Register("marketplace", func() error {
		_, err := market.OrderList(context.Background(), 1)
		return err
	})

	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	srv := metrics.NewServer(addr, monitor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	baseURL := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "metrics listener never came up")

	resp, err := http.Get(baseURL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	// Kill the journal and watch the health report flip.
	require.NoError(t, jrnl.Close())
	resp, err = http.Get(baseURL + "/health")
	require.NoError(t, err)
	var report struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", report.Status)
	assert.Contains(t, report.Components["journal"], "Unhealthy")
	assert.Equal(t, "Healthy", report.Components["marketplace"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
