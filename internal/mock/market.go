// Package mock provides an in-memory marketplace for tests.
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"taskfleet/internal/core"
	"taskfleet/internal/pricing"
	apperrors "taskfleet/pkg/errors"
)

// CloseCall records one deal.close invocation.
type CloseCall struct {
	DealID    string
	Blacklist bool
}

// LogRequest records one task.logs invocation.
type LogRequest struct {
	DealID string
	TaskID string
	Tail   string
	Path   string
}

type mockOrder struct {
	id        string
	tag       string
	priceWei  string
	status    int
	dealID    string
	cancelled bool
}

type mockDeal struct {
	id            string
	status        int
	bidID         string
	priceWei      string
	running       []string
	workerOffline bool
}

type mockTask struct {
	dealID        string
	status        core.TaskStatus
	uptimeSeconds int64
}

// MockMarket implements IMarketClient for testing.
type MockMarket struct {
	mu sync.RWMutex

	consumerAddr string
	orderCounter int64
	dealCounter  int64
	taskCounter  int64

	orders map[string]*mockOrder
	deals  map[string]*mockDeal
	tasks  map[string]*mockTask

	prediction decimal.Decimal
	balance    *core.Balance

	// Failure knobs
	orderCreateErr error
	orderListErr   error
	orderStatusErr error
	dealListErr    error
	dealStatusErr  error
	taskStartErr   error
	taskStatusErr  error
	predictErr     error

	// Recorded calls
	placedBids      []*core.Bid
	cancelledOrders []string
	closeCalls      []CloseCall
	logRequests     []LogRequest
}

var _ core.IMarketClient = (*MockMarket)(nil)

func NewMockMarket() *MockMarket {
	return &MockMarket{
		consumerAddr: "0x00000000000000000000000000000000000000aa",
		orderCounter: 1000,
		dealCounter:  5000,
		orders:       make(map[string]*mockOrder),
		deals:        make(map[string]*mockDeal),
		tasks:        make(map[string]*mockTask),
		prediction:   decimal.NewFromFloat(0.10),
		balance: &core.Balance{
			LiveBalance:    "100.0000",
			SideBalance:    "0.0000",
			LiveEthBalance: "1.0000",
		},
	}
}

// Failure knobs.

func (m *MockMarket) SetOrderCreateError(err error) { m.mu.Lock(); m.orderCreateErr = err; m.mu.Unlock() }
func (m *MockMarket) SetOrderListError(err error)   { m.mu.Lock(); m.orderListErr = err; m.mu.Unlock() }
func (m *MockMarket) SetOrderStatusError(err error) { m.mu.Lock(); m.orderStatusErr = err; m.mu.Unlock() }
func (m *MockMarket) SetDealListError(err error)    { m.mu.Lock(); m.dealListErr = err; m.mu.Unlock() }
func (m *MockMarket) SetDealStatusError(err error)  { m.mu.Lock(); m.dealStatusErr = err; m.mu.Unlock() }
func (m *MockMarket) SetTaskStartError(err error)   { m.mu.Lock(); m.taskStartErr = err; m.mu.Unlock() }
func (m *MockMarket) SetTaskStatusError(err error)  { m.mu.Lock(); m.taskStatusErr = err; m.mu.Unlock() }
func (m *MockMarket) SetPredictError(err error)     { m.mu.Lock(); m.predictErr = err; m.mu.Unlock() }

// SetPrediction overrides the quoted USD/h price.
func (m *MockMarket) SetPrediction(perHourUSD decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prediction = perHourUSD
}

// SetBalance overrides the token balance snapshot.
func (m *MockMarket) SetBalance(live, side, eth string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = &core.Balance{LiveBalance: live, SideBalance: side, LiveEthBalance: eth}
}

// IMarketClient implementation.

func (m *MockMarket) OrderCreate(ctx context.Context, bid *core.Bid) (*core.OrderCreated, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.orderCreateErr != nil {
		return nil, m.orderCreateErr
	}

	usd, err := pricing.ParsePrice(bid.Price)
	if err != nil {
		return nil, fmt.Errorf("mock: unparseable bid price %q: %w", bid.Price, err)
	}

	m.orderCounter++
	id := strconv.FormatInt(m.orderCounter, 10)
	m.orders[id] = &mockOrder{
		id:       id,
		tag:      bid.Tag,
		priceWei: pricing.WeiPerSecond(usd).String(),
		dealID:   core.NoDealID,
	}

	copied := *bid
	m.placedBids = append(m.placedBids, &copied)
	return &core.OrderCreated{ID: id}, nil
}

func (m *MockMarket) OrderList(ctx context.Context, limit int) ([]core.OrderInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.orderListErr != nil {
		return nil, m.orderListErr
	}

	var orders []core.OrderInfo
	for _, o := range m.orders {
		if o.cancelled || o.dealID != core.NoDealID {
			continue
		}
		if len(orders) >= limit {
			break
		}
		orders = append(orders, core.OrderInfo{ID: o.id, Tag: o.tag, Price: o.priceWei})
	}
	return orders, nil
}

func (m *MockMarket) OrderStatus(ctx context.Context, orderID string) (*core.OrderState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.orderStatusErr != nil {
		return nil, m.orderStatusErr
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("mock: order %s: %w", orderID, apperrors.ErrOrderNotFound)
	}
	return &core.OrderState{OrderStatus: o.status, Tag: o.tag, DealID: o.dealID}, nil
}

func (m *MockMarket) OrderCancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: order %s: %w", orderID, apperrors.ErrOrderNotFound)
	}
	o.cancelled = true
	m.cancelledOrders = append(m.cancelledOrders, orderID)
	return nil
}

func (m *MockMarket) DealList(ctx context.Context, limit int) ([]core.DealInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dealListErr != nil {
		return nil, m.dealListErr
	}

	var deals []core.DealInfo
	for _, d := range m.deals {
		if d.status != core.DealStatusOpened {
			continue
		}
		if len(deals) >= limit {
			break
		}
		deals = append(deals, core.DealInfo{ID: d.id})
	}
	return deals, nil
}

func (m *MockMarket) DealStatus(ctx context.Context, dealID string) (*core.DealState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dealStatusErr != nil {
		return nil, m.dealStatusErr
	}
	d, ok := m.deals[dealID]
	if !ok {
		return nil, fmt.Errorf("mock: deal %s: %w", dealID, apperrors.ErrDealNotFound)
	}
	running := make([]string, len(d.running))
	copy(running, d.running)
	return &core.DealState{
		Status:        d.status,
		BidID:         d.bidID,
		Price:         d.priceWei,
		Running:       running,
		WorkerOffline: d.workerOffline,
	}, nil
}

func (m *MockMarket) DealClose(ctx context.Context, dealID string, blacklist bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCalls = append(m.closeCalls, CloseCall{DealID: dealID, Blacklist: blacklist})
	d, ok := m.deals[dealID]
	if !ok {
		return fmt.Errorf("mock: deal %s: %w", dealID, apperrors.ErrDealNotFound)
	}
	d.status = core.DealStatusClosed
	return nil
}

func (m *MockMarket) TaskStart(ctx context.Context, dealID string, spec map[string]interface{}, timeout time.Duration) (*core.TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.taskStartErr != nil {
		return nil, m.taskStartErr
	}
	d, ok := m.deals[dealID]
	if !ok || d.status != core.DealStatusOpened {
		return nil, fmt.Errorf("mock: no open deal %s", dealID)
	}

	m.taskCounter++
	id := fmt.Sprintf("task-%d", m.taskCounter)
	m.tasks[id] = &mockTask{dealID: dealID, status: core.TaskStatusSpooling}
	d.running = append(d.running, id)
	return &core.TaskInfo{ID: id}, nil
}

func (m *MockMarket) TaskStatus(ctx context.Context, dealID, taskID string) (*core.TaskState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.taskStatusErr != nil {
		return nil, m.taskStatusErr
	}
	if d, ok := m.deals[dealID]; ok && d.workerOffline {
		return nil, fmt.Errorf("mock: deal %s: %w", dealID, apperrors.ErrWorkerOffline)
	}
	task, ok := m.tasks[taskID]
	if !ok || task.dealID != dealID {
		return nil, fmt.Errorf("mock: task %s on deal %s: %w", taskID, dealID, apperrors.ErrTaskNotFound)
	}
	return &core.TaskState{Status: task.status, UptimeSeconds: task.uptimeSeconds}, nil
}

func (m *MockMarket) TaskLogs(ctx context.Context, dealID, taskID, tail, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logRequests = append(m.logRequests, LogRequest{DealID: dealID, TaskID: taskID, Tail: tail, Path: path})
	return nil
}

func (m *MockMarket) PredictBid(ctx context.Context, resources *core.BidResources) (*core.Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.predictErr != nil {
		return nil, m.predictErr
	}
	return &core.Prediction{PerHourUSD: m.prediction}, nil
}

func (m *MockMarket) TokenBalance(ctx context.Context) *core.Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance
}

func (m *MockMarket) ConsumerAddress() string {
	return m.consumerAddr
}

// Simulation helpers drive remote-side transitions.

// SimulateDealOpen matches an order into a new deal and returns the deal id.
func (m *MockMarket) SimulateDealOpen(orderID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ""
	}
	m.dealCounter++
	dealID := strconv.FormatInt(m.dealCounter, 10)
	m.deals[dealID] = &mockDeal{
		id:       dealID,
		status:   core.DealStatusOpened,
		bidID:    orderID,
		priceWei: o.priceWei,
	}
	o.dealID = dealID
	return dealID
}

// SimulateOrderCancelledRemotely flips an order to active with no deal, the
// shape the node reads as a remote cancellation.
func (m *MockMarket) SimulateOrderCancelledRemotely(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.orders[orderID]; ok {
		o.status = core.OrderStatusActive
		o.dealID = core.NoDealID
	}
}

// SimulateWorkerOffline makes deal.status report no resources section.
func (m *MockMarket) SimulateWorkerOffline(dealID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.deals[dealID]; ok {
		d.workerOffline = true
	}
}

// SimulateDealClosedRemotely closes a deal without recording a close call.
func (m *MockMarket) SimulateDealClosedRemotely(dealID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.deals[dealID]; ok {
		d.status = core.DealStatusClosed
	}
}

// SimulateTaskRunning moves a task to running with the given uptime.
func (m *MockMarket) SimulateTaskRunning(taskID string, uptimeSeconds int64) {
	m.setTask(taskID, core.TaskStatusRunning, uptimeSeconds)
}

// SimulateTaskBroken moves a task to broken with the given uptime.
func (m *MockMarket) SimulateTaskBroken(taskID string, uptimeSeconds int64) {
	m.setTask(taskID, core.TaskStatusBroken, uptimeSeconds)
}

// SimulateTaskFinished moves a task to finished with the given uptime.
func (m *MockMarket) SimulateTaskFinished(taskID string, uptimeSeconds int64) {
	m.setTask(taskID, core.TaskStatusFinished, uptimeSeconds)
}

func (m *MockMarket) setTask(taskID string, status core.TaskStatus, uptimeSeconds int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task, ok := m.tasks[taskID]; ok {
		task.status = status
		task.uptimeSeconds = uptimeSeconds
	}
}

// SeedOrder places an order directly, as if created in an earlier run. The
// price is USD per hour.
func (m *MockMarket) SeedOrder(tag string, perHourUSD decimal.Decimal) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orderCounter++
	id := strconv.FormatInt(m.orderCounter, 10)
	m.orders[id] = &mockOrder{
		id:       id,
		tag:      tag,
		priceWei: pricing.WeiPerSecond(perHourUSD).String(),
		dealID:   core.NoDealID,
	}
	return id
}

// SeedRunningTask attaches an already-running task to a deal.
func (m *MockMarket) SeedRunningTask(dealID string, uptimeSeconds int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[dealID]
	if !ok {
		return ""
	}
	m.taskCounter++
	id := fmt.Sprintf("task-%d", m.taskCounter)
	m.tasks[id] = &mockTask{dealID: dealID, status: core.TaskStatusRunning, uptimeSeconds: uptimeSeconds}
	d.running = append(d.running, id)
	return id
}

// Recorded call accessors.

func (m *MockMarket) PlacedBids() []*core.Bid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bids := make([]*core.Bid, len(m.placedBids))
	copy(bids, m.placedBids)
	return bids
}

func (m *MockMarket) CancelledOrders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, len(m.cancelledOrders))
	copy(ids, m.cancelledOrders)
	return ids
}

func (m *MockMarket) CloseCalls() []CloseCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]CloseCall, len(m.closeCalls))
	copy(calls, m.closeCalls)
	return calls
}

func (m *MockMarket) LogRequests() []LogRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reqs := make([]LogRequest, len(m.logRequests))
	copy(reqs, m.logRequests)
	return reqs
}

// DealClosed reports whether the deal exists and is closed.
func (m *MockMarket) DealClosed(dealID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deals[dealID]
	return ok && d.status == core.DealStatusClosed
}
