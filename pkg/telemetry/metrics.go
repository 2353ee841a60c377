package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal  = "taskfleet_orders_placed_total"
	MetricOrdersCancelTotal  = "taskfleet_orders_cancelled_total"
	MetricDealsOpenedTotal   = "taskfleet_deals_opened_total"
	MetricDealsClosedTotal   = "taskfleet_deals_closed_total"
	MetricBlacklistedTotal   = "taskfleet_blacklisted_total"
	MetricTasksStartedTotal  = "taskfleet_tasks_started_total"
	MetricTasksFailedTotal   = "taskfleet_tasks_failed_total"
	MetricTasksFinishedTotal = "taskfleet_tasks_finished_total"
	MetricNodeResetsTotal    = "taskfleet_node_resets_total"
	MetricRPCRequestsTotal   = "taskfleet_rpc_requests_total"
	MetricRPCLatency         = "taskfleet_rpc_latency_ms"
	MetricNodesActive        = "taskfleet_nodes_active"
	MetricPredictedPrice     = "taskfleet_predicted_price_usd_hour"
)

// MetricsHolder holds the fleet's instruments. Counters and the latency
// histogram record directly; the two gauges observe maps keyed by task tag
// that the supervisor and oracle update.
type MetricsHolder struct {
	OrdersPlacedTotal  metric.Int64Counter
	OrdersCancelTotal  metric.Int64Counter
	DealsOpenedTotal   metric.Int64Counter
	DealsClosedTotal   metric.Int64Counter
	BlacklistedTotal   metric.Int64Counter
	TasksStartedTotal  metric.Int64Counter
	TasksFailedTotal   metric.Int64Counter
	TasksFinishedTotal metric.Int64Counter
	NodeResetsTotal    metric.Int64Counter
	RPCRequestsTotal   metric.Int64Counter
	RPCLatency         metric.Float64Histogram
	NodesActive        metric.Int64ObservableGauge
	PredictedPrice     metric.Float64ObservableGauge

	mu                sync.RWMutex
	activeNodesMap    map[string]int64
	predictedPriceMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments start
// bound to the ambient (noop) meter so recording before Setup is safe;
// Setup rebinds them to the exporting meter.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeNodesMap:    make(map[string]int64),
			predictedPriceMap: make(map[string]float64),
		}
		_ = globalMetrics.InitMetrics(otel.GetMeterProvider().Meter("taskfleet_core"))
	})
	return globalMetrics
}

// InitMetrics creates every instrument on the given meter. The first
// creation error wins; later instruments still get a usable (possibly
// noop) value so callers never hold a nil instrument.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		keep(err)
		return c
	}

	m.OrdersPlacedTotal = counter(MetricOrdersPlacedTotal, "Total buy orders placed")
	m.OrdersCancelTotal = counter(MetricOrdersCancelTotal, "Total buy orders cancelled")
	m.DealsOpenedTotal = counter(MetricDealsOpenedTotal, "Total deals opened against our orders")
	m.DealsClosedTotal = counter(MetricDealsClosedTotal, "Total deals closed")
	m.BlacklistedTotal = counter(MetricBlacklistedTotal, "Total counterparties blacklisted on deal close")
	m.TasksStartedTotal = counter(MetricTasksStartedTotal, "Total container tasks started")
	m.TasksFailedTotal = counter(MetricTasksFailedTotal, "Total container tasks that failed or broke")
	m.TasksFinishedTotal = counter(MetricTasksFinishedTotal, "Total container tasks that finished cleanly")
	m.NodeResetsTotal = counter(MetricNodeResetsTotal, "Total watchdog resets of stalled nodes")
	m.RPCRequestsTotal = counter(MetricRPCRequestsTotal, "Total marketplace RPC requests")

	var err error
	m.RPCLatency, err = meter.Float64Histogram(MetricRPCLatency,
		metric.WithDescription("Latency of marketplace RPC calls"), metric.WithUnit("ms"))
	keep(err)

	m.NodesActive, err = meter.Int64ObservableGauge(MetricNodesActive,
		metric.WithDescription("Number of node loops currently alive"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for tag, val := range m.activeNodesMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("task", tag)))
			}
			return nil
		}))
	keep(err)

	m.PredictedPrice, err = meter.Float64ObservableGauge(MetricPredictedPrice,
		metric.WithDescription("Last predicted market price in USD per hour"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for tag, val := range m.predictedPriceMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("task", tag)))
			}
			return nil
		}))
	keep(err)

	return firstErr
}

// SetActiveNodes records how many node loops a task tag currently runs.
func (m *MetricsHolder) SetActiveNodes(taskTag string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeNodesMap[taskTag] = count
}

// SetPredictedPrice records the latest oracle prediction for a task tag.
func (m *MetricsHolder) SetPredictedPrice(taskTag string, perHourUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictedPriceMap[taskTag] = perHourUSD
}

// GetActiveNodes copies the gauge state.
func (m *MetricsHolder) GetActiveNodes() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.activeNodesMap))
	for k, v := range m.activeNodesMap {
		res[k] = v
	}
	return res
}

// GetPredictedPrices copies the gauge state.
func (m *MetricsHolder) GetPredictedPrices() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.predictedPriceMap))
	for k, v := range m.predictedPriceMap {
		res[k] = v
	}
	return res
}
