package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskfleet/internal/core"
	apperrors "taskfleet/pkg/errors"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               { fmt.Printf("DEBUG: %s %v\n", msg, f) }
func (m *mockLogger) Info(msg string, f ...interface{})                { fmt.Printf("INFO: %s %v\n", msg, f) }
func (m *mockLogger) Warn(msg string, f ...interface{})                { fmt.Printf("WARN: %s %v\n", msg, f) }
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               { fmt.Printf("FATAL: %s %v\n", msg, f) }
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

// rpcServer is an httptest marketplace node. Handlers are keyed by method
// name; unhandled methods get a bare 200 envelope.
type rpcServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(calls int, body []byte) (int, string)
}

func newRPCServer(t *testing.T) *rpcServer {
	s := &rpcServer{
		calls:    make(map[string]int),
		handlers: make(map[string]func(int, []byte) (int, string)),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[len(rpcPathPrefix):]
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		s.calls[method]++
		calls := s.calls[method]
		handler := s.handlers[method]
		s.mu.Unlock()

		status, response := http.StatusOK, `{"status_code": 200}`
		if handler != nil {
			status, response = handler(calls, body)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *rpcServer) handle(method string, fn func(calls int, body []byte) (int, string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

func (s *rpcServer) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// newTestClient keeps the production attempt counts but drops the delays so
// exhaustion paths finish quickly.
func newTestClient(srv *rpcServer) *Client {
	c := NewClient(srv.srv.URL, "0xAbC0000000000000000000000000000000000001", 2*time.Second, &mockLogger{})
	retryOn := func(r *rpcResult, err error) bool { return err != nil || !r.ok() }
	c.execDefault = failsafe.With[*rpcResult](retrypolicy.NewBuilder[*rpcResult]().
		HandleIf(retryOn).WithMaxRetries(2).ReturnLastFailure().Build())
	c.execTaskStatus = failsafe.With[*rpcResult](retrypolicy.NewBuilder[*rpcResult]().
		HandleIf(retryOn).WithMaxRetries(9).ReturnLastFailure().Build())
	return c
}

func TestTagRoundTrip(t *testing.T) {
	for _, tag := range []string{"miner_1", "a", "web_12", "x_100"} {
		encoded := encodeTag(tag)
		decoded, err := parseTag(encoded)
		require.NoError(t, err)
		assert.Equal(t, tag, decoded)
	}

	// The wire form is fixed width regardless of tag length.
	short, err := parseTag(encodeTag("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", short)

	_, err = parseTag("not-base64!!!")
	assert.Error(t, err)
}

func TestNormalizeBid(t *testing.T) {
	bid := &core.Bid{
		Duration: "8h",
		Price:    "0.1100USD/h",
		Identity: "registered",
		Tag:      "miner_1",
		Resources: core.BidResources{
			Benchmarks: core.Benchmarks{GPUCount: 1, GPUMem: 3221225472},
		},
	}
	order, err := normalizeBid(bid)
	require.NoError(t, err)

	assert.Equal(t, int64(8*3600)*int64(time.Second), order.Duration.Nanoseconds)
	assert.Equal(t, "30555555555556", order.Price.PerSecond)
	assert.Equal(t, int64(2), order.Identity)
	assert.Empty(t, order.Counterparty)

	decoded, err := parseTag(order.Tag)
	require.NoError(t, err)
	assert.Equal(t, "miner_1", decoded)

	// Counterparty rides along only when restricted.
	bid.Counterparty = "0xAbC0000000000000000000000000000000000001"
	order, err = normalizeBid(bid)
	require.NoError(t, err)
	raw, err := json.Marshal(order)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "counterparty")

	_, err = normalizeBid(&core.Bid{Duration: "forever", Price: "0.1USD/h", Identity: "registered"})
	assert.Error(t, err)
	_, err = normalizeBid(&core.Bid{Duration: "8h", Price: "0.1", Identity: "registered"})
	assert.Error(t, err)
	_, err = normalizeBid(&core.Bid{Duration: "8h", Price: "0.1USD/h", Identity: "vip"})
	assert.Error(t, err)
}

func TestOrderCreateWireShape(t *testing.T) {
	srv := newRPCServer(t)
	var captured map[string]interface{}
	srv.handle("order.create", func(calls int, body []byte) (int, string) {
		if err := json.Unmarshal(body, &captured); err != nil {
			return http.StatusBadRequest, `{"status_code": 400}`
		}
		return http.StatusOK, `{"status_code": 200, "id": "7001"}`
	})

	client := newTestClient(srv)
	created, err := client.OrderCreate(context.Background(), &core.Bid{
		Duration: "8h",
		Price:    "0.1100USD/h",
		Identity: "registered",
		Tag:      "miner_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "7001", created.ID)

	duration := captured["duration"].(map[string]interface{})
	assert.Equal(t, float64(8*3600)*1e9, duration["nanoseconds"])
	price := captured["price"].(map[string]interface{})
	assert.Equal(t, "30555555555556", price["perSecond"])
	assert.Equal(t, float64(2), captured["identity"])

	tag, err := parseTag(captured["tag"].(string))
	require.NoError(t, err)
	assert.Equal(t, "miner_1", tag)
}

func TestDefaultRetryBudget(t *testing.T) {
	srv := newRPCServer(t)
	srv.handle("order.status", func(calls int, body []byte) (int, string) {
		if calls < 3 {
			return http.StatusInternalServerError, `{"status_code": 500}`
		}
		return http.StatusOK, fmt.Sprintf(`{"status_code": 200, "orderStatus": 1, "tag": %q, "dealID": "0"}`, encodeTag("miner_1"))
	})

	client := newTestClient(srv)
	state, err := client.OrderStatus(context.Background(), "7001")
	require.NoError(t, err)
	assert.Equal(t, 3, srv.callCount("order.status"))
	assert.Equal(t, core.OrderStatusActive, state.OrderStatus)
	assert.Equal(t, "miner_1", state.Tag)
	assert.Equal(t, core.NoDealID, state.DealID)
}

func TestRetriesExhausted(t *testing.T) {
	srv := newRPCServer(t)
	srv.handle("order.status", func(calls int, body []byte) (int, string) {
		return http.StatusInternalServerError, `{"status_code": 500}`
	})

	client := newTestClient(srv)
	_, err := client.OrderStatus(context.Background(), "7001")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRPCExhausted))
	assert.Equal(t, 3, srv.callCount("order.status"))
}

func TestEnvelopeStatusOverridesHTTPStatus(t *testing.T) {
	srv := newRPCServer(t)
	srv.handle("order.cancel", func(calls int, body []byte) (int, string) {
		return http.StatusOK, `{"status_code": 555}`
	})

	client := newTestClient(srv)
	err := client.OrderCancel(context.Background(), "7001")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRPCExhausted))
	assert.Equal(t, 3, srv.callCount("order.cancel"))
}

func TestTaskStatusRetryBudget(t *testing.T) {
	srv := newRPCServer(t)
	srv.handle("task.status", func(calls int, body []byte) (int, string) {
		return http.StatusInternalServerError, `{"status_code": 500}`
	})

	client := newTestClient(srv)
	_, err := client.TaskStatus(context.Background(), "301", "task-1")
	require.Error(t, err)
	assert.Equal(t, 10, srv.callCount("task.status"))
}

func TestTaskStartSingleAttempt(t *testing.T) {
	srv := newRPCServer(t)
	srv.handle("task.start", func(calls int, body []byte) (int, string) {
		return http.StatusInternalServerError, `{"status_code": 500}`
	})

	client := newTestClient(srv)
	_, err := client.TaskStart(context.Background(), "301", map[string]interface{}{"image": "miner:latest"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, 1, srv.callCount("task.start"))
}

func TestTaskStatusNormalizesUptime(t *testing.T) {
	srv := newRPCServer(t)
	srv.handle("task.status", func(calls int, body []byte) (int, string) {
		return http.StatusOK, `{"status_code": 200, "status": 3, "uptime": "734000000000"}`
	})

	client := newTestClient(srv)
	state, err := client.TaskStatus(context.Background(), "301", "task-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusRunning, state.Status)
	assert.Equal(t, int64(734), state.UptimeSeconds)

	// Bare numbers normalize the same way.
	srv.handle("task.status", func(calls int, body []byte) (int, string) {
		return http.StatusOK, `{"status_code": 200, "status": 5, "uptime": 120000000000}`
	})
	state, err = client.TaskStatus(context.Background(), "301", "task-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusBroken, state.Status)
	assert.Equal(t, int64(120), state.UptimeSeconds)
}

func TestOrderListToleratesMissingOrders(t *testing.T) {
	srv := newRPCServer(t)
	srv.handle("order.list", func(calls int, body []byte) (int, string) {
		return http.StatusOK, `{"status_code": 200}`
	})

	client := newTestClient(srv)
	orders, err := client.OrderList(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestOrderListDecodesTags(t *testing.T) {
	srv := newRPCServer(t)
	srv.handle("order.list", func(calls int, body []byte) (int, string) {
		var req orderListRequest
		if err := json.Unmarshal(body, &req); err != nil || req.Author == "" || req.Limit != 5 {
			return http.StatusBadRequest, `{"status_code": 400}`
		}
		return http.StatusOK, fmt.Sprintf(
			`{"status_code": 200, "orders": [
				{"order": {"id": "7001", "tag": %q, "price": "27777777777778"}},
				{"order": {"id": "7002", "tag": "###", "price": "1"}}
			]}`, encodeTag("miner_1"))
	})

	client := newTestClient(srv)
	orders, err := client.OrderList(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, orders, 1, "undecodable tags are skipped")
	assert.Equal(t, core.OrderInfo{ID: "7001", Tag: "miner_1", Price: "27777777777778"}, orders[0])
}

func TestDealStatusWorkerOffline(t *testing.T) {
	srv := newRPCServer(t)
	srv.handle("deal.status", func(calls int, body []byte) (int, string) {
		switch calls {
		case 1:
			return http.StatusOK, `{"status_code": 200, "deal": {"status": 1, "bidID": "7001", "price": "27777777777778", "running": ["task-1"], "resources": {"cpu": {}}}}`
		case 2:
			return http.StatusOK, `{"status_code": 200, "deal": {"status": 1, "bidID": "7001", "price": "27777777777778"}}`
		default:
			return http.StatusOK, `{"status_code": 200, "deal": {"status": 2, "bidID": "7001", "price": "27777777777778", "resources": null}}`
		}
	})

	client := newTestClient(srv)

	online, err := client.DealStatus(context.Background(), "301")
	require.NoError(t, err)
	assert.False(t, online.WorkerOffline)
	assert.Equal(t, []string{"task-1"}, online.Running)

	offline, err := client.DealStatus(context.Background(), "301")
	require.NoError(t, err)
	assert.True(t, offline.WorkerOffline, "absent resources means the worker did not answer")

	closed, err := client.DealStatus(context.Background(), "301")
	require.NoError(t, err)
	assert.True(t, closed.WorkerOffline)
	assert.Equal(t, core.DealStatusClosed, closed.Status)
}

func TestDealListFilters(t *testing.T) {
	srv := newRPCServer(t)
	srv.handle("deal.list", func(calls int, body []byte) (int, string) {
		var req dealListRequest
		if err := json.Unmarshal(body, &req); err != nil ||
			req.Status != core.DealStatusOpened || req.ConsumerID == "" || req.Limit != 3 {
			return http.StatusBadRequest, `{"status_code": 400}`
		}
		return http.StatusOK, `{"status_code": 200, "deals": [{"deal": {"id": "301"}}, {"deal": {"id": "302"}}]}`
	})

	client := newTestClient(srv)
	deals, err := client.DealList(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.Equal(t, "301", deals[0].ID)
}

func TestPredictBid(t *testing.T) {
	srv := newRPCServer(t)
	srv.handle("predictor.predict", func(calls int, body []byte) (int, string) {
		var req core.BidResources
		if err := json.Unmarshal(body, &req); err != nil || req.Benchmarks.GPUCount != 1 {
			return http.StatusBadRequest, `{"status_code": 400}`
		}
		return http.StatusOK, `{"status_code": 200, "perSecond": "27777777777778"}`
	})

	client := newTestClient(srv)
	prediction, err := client.PredictBid(context.Background(), &core.BidResources{
		Benchmarks: core.Benchmarks{GPUCount: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "0.1000", prediction.PerHourUSD.StringFixed(4))
}

func TestTokenBalanceNeverFails(t *testing.T) {
	srv := newRPCServer(t)
	srv.handle("token.balance", func(calls int, body []byte) (int, string) {
		return http.StatusInternalServerError, `{"status_code": 500}`
	})

	client := newTestClient(srv)
	balance := client.TokenBalance(context.Background())
	assert.Equal(t, &core.Balance{LiveBalance: "n/a", SideBalance: "n/a", LiveEthBalance: "n/a"}, balance)

	srv.handle("token.balance", func(calls int, body []byte) (int, string) {
		return http.StatusOK, `{"status_code": 200, "liveBalance": 12.5, "sideBalance": 0.125, "liveEthBalance": 1}`
	})
	balance = client.TokenBalance(context.Background())
	assert.Equal(t, &core.Balance{LiveBalance: "12.5000", SideBalance: "0.1250", LiveEthBalance: "1.0000"}, balance)

	// Partial responses degrade the same way as errors.
	srv.handle("token.balance", func(calls int, body []byte) (int, string) {
		return http.StatusOK, `{"status_code": 200, "liveBalance": 12.5}`
	})
	balance = client.TokenBalance(context.Background())
	assert.Equal(t, "n/a", balance.SideBalance)
}

func TestTaskLogsRejectsUnsafeIdentifiers(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "0xconsumer", time.Second, &mockLogger{})
	path := filepath.Join(t.TempDir(), "fail_miner_1-deal-301.log")

	err := client.TaskLogs(context.Background(), "301; rm -rf /", "task-1", "1000000", path)
	require.Error(t, err)

	err = client.TaskLogs(context.Background(), "301", "", "1000000", path)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "no log file for rejected identifiers")
}
