package integration

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskfleet/internal/config"
	"taskfleet/internal/core"
	"taskfleet/internal/dashboard"
	"taskfleet/internal/fleet"
	"taskfleet/internal/mock"
	"taskfleet/internal/node"
	"taskfleet/internal/pricing"
	"taskfleet/internal/safety"
)

const dashBaseYAML = `ethereum:
  key_path: keys
  password: "test"
node_address: "http://127.0.0.1:15030"
restart_timeout: 600
http_server:
  run: true
  user: "admin"
  password: "hunter2"
  port: 8081
tasks:
  - miner.yaml
`

const dashMinerYAML = `numberofnodes: 1
tag: "miner"
price_coefficient: 10
max_price: "0.20USD/h"
ets: 300
task_start_timeout: 900
template_file: "task_template.yaml"
duration: "8h"
counterparty: ""
identity: "registered"
ramsize: 1024
storagesize: 5
cpucores: 2
sysbenchsingle: 800
sysbenchmulti: 1600
netdownload: 10
netupload: 10
overlay: false
incoming: false
gpucount: 1
gpumem: 3072
ethhashrate: 40
`

const dashTemplateYAML = `task:
  container:
    image: "registry.example.com/miner:latest"
    env:
      WORKER_NAME: "{{.node_tag}}"
`

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func basicAuth(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

// TestDashboardServesLiveFleet runs the real supervisor and the real HTTP
// server together and watches fleet progress through the operator surface.
func TestDashboardServesLiveFleet(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	folder := t.TempDir()
	for name, content := range map[string]string{
		"config.yaml":        dashBaseYAML,
		"miner.yaml":         dashMinerYAML,
		"task_template.yaml": dashTemplateYAML,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(folder, name), []byte(content), 0o644))
	}
	store, err := config.NewStore(folder)
	require.NoError(t, err)

	market := mock.NewMockMarket()
	logger := &nopLogger{}
	oracle := pricing.NewOracle(market, logger)
	oracle.Refresh(context.Background(), store.Snapshot().Resources())

	opts := node.Options{
		Market:    market,
		Store:     store,
		Oracle:    oracle,
		Checker:   safety.NewBidChecker(logger),
		Logger:    logger,
		OutDir:    filepath.Join(t.TempDir(), "out"),
		SleepUnit: time.Millisecond,
	}
	registry := fleet.NewRegistry()
	require.NoError(t, fleet.NewReconciler(registry, opts).Reconcile(context.Background()))
	supervisor := fleet.NewSupervisor(fleet.SupervisorOptions{
		Registry:    registry,
		Oracle:      oracle,
		NodeOpts:    opts,
		Tick:        5 * time.Millisecond,
		SubmitEvery: time.Millisecond,
	})

	cfg := store.Base().HTTPServer
	cfg.Port = freePort(t)
	dash := dashboard.New(supervisor, cfg, logger)
	require.NotNil(t, dash)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dash.Run(ctx) }()
	go func() { _ = supervisor.Run(ctx) }()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "dashboard never came up")

	// No credentials, no page.
	resp, err := http.Get(baseURL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	n, ok := registry.Get("miner_1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return n.BidID() != "" },
		5*time.Second, 5*time.Millisecond)

	snap := readFirstSnapshot(t, cfg.Port)
	assert.Equal(t, "miner_1", snap.Groups[0].Nodes[0].NodeTag)
	assert.Equal(t, n.BidID(), snap.Groups[0].Nodes[0].OrderID)

	market.SimulateDealOpen(n.BidID())
	require.Eventually(t, func() bool { return n.TaskID() != "" },
		5*time.Second, 5*time.Millisecond)
	market.SimulateTaskRunning(n.TaskID(), 120)
	require.Eventually(t, func() bool { return n.Status() == core.StateTaskRunning },
		5*time.Second, 5*time.Millisecond)

	// A fresh connection gets the current fleet state immediately.
	snap = readFirstSnapshot(t, cfg.Port)
	row := snap.Groups[0].Nodes[0]
	assert.Equal(t, n.DealID(), row.DealID)
	assert.Equal(t, n.TaskID(), row.TaskID)
	assert.NotNil(t, snap.Balance)
}

// readFirstSnapshot connects to the feed and decodes the snapshot every new
// client is sent on connect.
func readFirstSnapshot(t *testing.T, port int) dashboard.Snapshot {
	t.Helper()

	header := http.Header{"Authorization": []string{basicAuth("admin", "hunter2")}}
	ws, resp, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws://127.0.0.1:%d/ws", port), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string             `json:"type"`
		Data dashboard.Snapshot `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&msg))
	require.Equal(t, dashboard.TypeSnapshot, msg.Type)
	require.NotEmpty(t, msg.Data.Groups)
	require.NotEmpty(t, msg.Data.Groups[0].Nodes)
	return msg.Data
}

type nopLogger struct{}

func (l *nopLogger) Debug(msg string, fields ...interface{})               {}
func (l *nopLogger) Info(msg string, fields ...interface{})                {}
func (l *nopLogger) Warn(msg string, fields ...interface{})                {}
func (l *nopLogger) Error(msg string, fields ...interface{})               {}
func (l *nopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *nopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }
