// Package node implements the lifecycle state machine of one logical worker
// node: place an order, wait for a deal, start the task, watch it, close the
// deal and either retry or finish.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"

	"taskfleet/internal/config"
	"taskfleet/internal/core"
	"taskfleet/internal/journal"
	"taskfleet/internal/pricing"
	"taskfleet/internal/safety"
	"taskfleet/pkg/telemetry"
)

// Sleep budgets in ticks. One tick is a second in production; tests shrink
// the tick to keep scenarios fast.
const (
	sleepIdle      = 60
	sleepDealFound = 15
	sleepRetry     = 1
)

// Options carries the shared dependencies of every node.
type Options struct {
	Market  core.IMarketClient
	Store   *config.Store
	Oracle  *pricing.Oracle
	Checker *safety.BidChecker
	Journal core.IJournal
	Logger  core.ILogger
	// OutDir is where order/task dumps and captured logs land. Defaults
	// to "out".
	OutDir string
	// SleepUnit is the tick of the interruptible sleep; zero means one
	// second. Tests shrink it.
	SleepUnit time.Duration
}

// Node is one logical worker node. The supervisor runs WatchNode on a pool
// worker; everything else (dashboard rows, resets, teardown) arrives from
// other goroutines and synchronizes through stepMu and mu.
type Node struct {
	nodeTag string
	taskTag string

	market  core.IMarketClient
	store   *config.Store
	oracle  *pricing.Oracle
	checker *safety.BidChecker
	journal core.IJournal
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	outDir   string
	bidFile  string
	taskFile string
	taskSpec map[string]interface{}

	// stepMu serializes whole steps with purges, so a watchdog reset or a
	// teardown never interleaves a half-done transition.
	stepMu sync.Mutex

	// mu guards the presentation fields below; holders of stepMu still
	// take it for writes so Row never blocks behind a slow RPC.
	mu         sync.RWMutex
	status     core.State
	bidID      string
	dealID     string
	taskID     string
	price      string
	taskUptime int64

	keepWork      atomic.Bool
	running       atomic.Bool
	lastHeartbeat atomic.Int64

	// sleepUnit is the tick length of the interruptible sleep.
	sleepUnit time.Duration
}

// New builds a node in the given state, rendering its task manifest from the
// class template. dealID, taskID, bidID and priceWei seed reconciled nodes;
// empty strings mean a fresh node.
func New(opts Options, status core.State, nodeTag, dealID, taskID, bidID, priceWei string) (*Node, error) {
	cfg, ok := opts.Store.NodeConfig(nodeTag)
	if !ok {
		return nil, fmt.Errorf("no configuration for node %q", nodeTag)
	}
	if opts.Journal == nil {
		opts.Journal = journal.NewRecorder(nil, opts.Logger)
	}

	outDir := opts.OutDir
	if outDir == "" {
		outDir = "out"
	}
	sleepUnit := opts.SleepUnit
	if sleepUnit <= 0 {
		sleepUnit = time.Second
	}

	n := &Node{
		nodeTag:   nodeTag,
		taskTag:   cfg.Tag,
		market:    opts.Market,
		store:     opts.Store,
		oracle:    opts.Oracle,
		checker:   opts.Checker,
		journal:   opts.Journal,
		logger:    opts.Logger.WithField("node", nodeTag),
		metrics:   telemetry.GetGlobalMetrics(),
		outDir:    outDir,
		bidFile:   filepath.Join(outDir, "orders", nodeTag+".yaml"),
		taskFile:  filepath.Join(outDir, "tasks", nodeTag+".yaml"),
		status:    status,
		bidID:     bidID,
		dealID:    dealID,
		taskID:    taskID,
		sleepUnit: sleepUnit,
	}
	n.keepWork.Store(true)
	n.heartbeat()

	if priceWei != "" {
		usdPerHour, err := pricing.ParseWeiPerSecond(priceWei)
		if err != nil {
			n.logger.Warn("Unparseable deal price", "price", priceWei)
		} else {
			n.price = pricing.FormatPrice(usdPerHour, true)
		}
	}

	if err := config.CreateDirs(outDir, filepath.Join(outDir, "orders"), filepath.Join(outDir, "tasks")); err != nil {
		return nil, err
	}
	if err := n.renderTaskSpec(cfg); err != nil {
		return nil, err
	}
	return n, nil
}

// NewEmpty builds a fresh node in START.
func NewEmpty(opts Options, nodeTag string) (*Node, error) {
	return New(opts, core.StateStart, nodeTag, "", "", "", "")
}

// renderTaskSpec renders the class template with this node's tag and keeps a
// copy on disk for the operator.
func (n *Node) renderTaskSpec(cfg *config.TaskConfig) error {
	n.logger.Info("Creating task file", "template", cfg.TemplateFile)
	spec, err := config.RenderTaskTemplate(n.store.Folder(), cfg.TemplateFile, n.nodeTag)
	if err != nil {
		return err
	}
	n.taskSpec = spec
	return dumpYAML(n.taskFile, spec)
}

func dumpYAML(path string, data interface{}) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

// Accessors.

func (n *Node) NodeTag() string { return n.nodeTag }
func (n *Node) TaskTag() string { return n.taskTag }

// IsRunning reports whether the watch loop is currently executing.
func (n *Node) IsRunning() bool { return n.running.Load() }

// Status returns the current lifecycle state.
func (n *Node) Status() core.State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// BidID returns the current order id, empty when none is standing.
func (n *Node) BidID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bidID
}

// DealID returns the current deal id, empty when no deal is open.
func (n *Node) DealID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dealID
}

// TaskID returns the current remote task id.
func (n *Node) TaskID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.taskID
}

// Row snapshots the node for the state table and the dashboard.
func (n *Node) Row() core.TableRow {
	since := n.sinceHeartbeat()
	restart := int64(n.store.Base().NodeRestartTimeout().Seconds())

	n.mu.RLock()
	defer n.mu.RUnlock()
	return core.TableRow{
		NodeTag:        n.nodeTag,
		TaskTag:        n.taskTag,
		OrderID:        n.bidID,
		OrderPrice:     n.price,
		DealID:         n.dealID,
		TaskID:         n.taskID,
		TaskUptime:     n.taskUptime,
		Status:         n.status,
		SinceHeartbeat: since,
		Class:          core.DisplayClass(n.status, since, restart),
	}
}

func (n *Node) setStatus(status core.State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = status
}

func (n *Node) setOrder(bidID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bidID = bidID
}

func (n *Node) setDeal(dealID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dealID = dealID
}

func (n *Node) setTask(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taskID = taskID
}

func (n *Node) setUptime(seconds int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taskUptime = seconds
}

func (n *Node) setPrice(price string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.price = price
}

// clearDealFields drops everything tied to the closed deal.
func (n *Node) clearDealFields() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dealID = ""
	n.bidID = ""
	n.taskID = ""
	n.taskUptime = 0
}

func (n *Node) heartbeat() {
	n.lastHeartbeat.Store(time.Now().Unix())
}

func (n *Node) sinceHeartbeat() int64 {
	return time.Now().Unix() - n.lastHeartbeat.Load()
}

// nodeConfig returns the current class config for this node.
func (n *Node) nodeConfig() (*config.TaskConfig, error) {
	cfg, ok := n.store.NodeConfig(n.nodeTag)
	if !ok {
		return nil, fmt.Errorf("no configuration for node %q", n.nodeTag)
	}
	return cfg, nil
}

// WatchNode runs the state machine until the work completes, the node is
// stopped, or a step fails fatally. The supervisor resubmits nodes whose
// watch returned an error.
func (n *Node) WatchNode(ctx context.Context) error {
	n.running.Store(true)
	defer n.running.Store(false)

	for n.keepWork.Load() && n.Status() != core.StateWorkCompleted {
		if ctx.Err() != nil {
			break
		}
		restartAfter := int64(n.store.Base().NodeRestartTimeout().Seconds())
		if n.sinceHeartbeat() > restartAfter {
			n.ResetToStart(ctx)
		}

		sleep, err := n.step(ctx)
		if err != nil {
			return err
		}
		n.waitSleep(ctx, sleep)
		n.heartbeat()
	}

	if n.keepWork.Load() && ctx.Err() == nil {
		n.logger.Info("Node stopped, work completed")
	} else {
		n.logger.Info("Node stopped, received stop signal")
	}
	return nil
}

// step performs one state transition and returns the sleep ticks before the
// next one.
func (n *Node) step(ctx context.Context) (int, error) {
	n.stepMu.Lock()
	defer n.stepMu.Unlock()

	switch n.Status() {
	case core.StateStart, core.StateCreateOrder, core.StatePlacingOrder:
		if err := n.createOrder(ctx); err != nil {
			return 0, err
		}
		return sleepIdle, nil
	case core.StateAwaitingDeal:
		return n.checkOrder(ctx), nil
	case core.StateDealOpened:
		n.startTask(ctx)
		return sleepIdle, nil
	case core.StateDealDisappeared:
		n.setStatus(core.StateCreateOrder)
		return sleepRetry, nil
	case core.StateStartingTask, core.StateTaskRunning:
		return n.checkTask(ctx), nil
	case core.StateTaskFailedToStart:
		n.closeDeal(ctx, core.StateCreateOrder, true)
		return sleepRetry, nil
	case core.StateTaskFailed, core.StateTaskBroken:
		n.closeDeal(ctx, core.StateCreateOrder, false)
		return sleepRetry, nil
	case core.StateTaskFinished:
		n.closeDeal(ctx, core.StateWorkCompleted, false)
		return sleepRetry, nil
	}
	return sleepIdle, nil
}

// createOrder reloads this node's class config, prices the bid and places
// it. A placement failure is fatal for the watch loop: it usually means the
// marketplace node is gone or the balance ran dry.
func (n *Node) createOrder(ctx context.Context) error {
	cfg, err := n.store.ReloadNode(n.nodeTag)
	if err != nil {
		n.logger.Warn("Config reload failed, keeping previous config", "error", err.Error())
		if cfg, err = n.nodeConfig(); err != nil {
			return err
		}
	}

	bid := cfg.Bid(n.nodeTag)
	price, predicted, adjusted := n.oracle.OrderPrice(n.taskTag, cfg.MaxPriceUSD(), cfg.PriceCoefficient)
	bid.Price = pricing.FormatPrice(price, false)
	n.setPrice(pricing.FormatPrice(price, true))

	n.logger.Info("Creating order",
		"predicted", pricing.FormatPrice(predicted, true),
		"with_coefficient", pricing.FormatPrice(adjusted, true),
		"order_price", pricing.FormatPrice(price, true))

	if err := n.checker.CheckBid(bid, cfg.MaxPriceUSD()); err != nil {
		return fmt.Errorf("bid for node %s rejected: %w", n.nodeTag, err)
	}
	if err := dumpYAML(n.bidFile, bid); err != nil {
		n.logger.Warn("Failed to dump order file", "error", err.Error())
	}

	n.setStatus(core.StatePlacingOrder)
	created, err := n.market.OrderCreate(ctx, bid)
	if err != nil {
		return fmt.Errorf("cannot create order, check marketplace node status or balance: %w", err)
	}

	n.setOrder(created.ID)
	n.setStatus(core.StateAwaitingDeal)
	n.logger.Info("Order placed", "order", created.ID, "price", bid.Price)
	n.journal.Record(n.nodeTag, journal.EventOrderPlaced,
		fmt.Sprintf("order %s price %s", created.ID, bid.Price))
	return nil
}

// checkOrder polls the standing order for a deal.
func (n *Node) checkOrder(ctx context.Context) int {
	n.logger.Info("Checking order for new deal", "order", n.BidID())
	state, err := n.market.OrderStatus(ctx, n.BidID())
	if err != nil {
		n.logger.Warn("Cannot retrieve order status", "order", n.BidID(), "error", err.Error())
		return sleepIdle
	}

	if state.DealID != core.NoDealID {
		n.setDeal(state.DealID)
		n.setStatus(core.StateDealOpened)
		n.logger.Info("Deal opened for order", "order", n.BidID(), "deal", state.DealID)
		n.metrics.DealsOpenedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("task", n.taskTag)))
		n.journal.Record(n.nodeTag, journal.EventDealOpened, "deal "+state.DealID)
		return sleepDealFound
	}
	if state.OrderStatus == core.OrderStatusActive {
		n.logger.Info("Order was cancelled remotely, creating new order", "order", n.BidID())
		n.setOrder("")
		n.setStatus(core.StateCreateOrder)
		return sleepRetry
	}
	return sleepIdle
}

// startTask starts the rendered task on the open deal. The start is a single
// attempt; a failure blacklists the worker via the TASK_FAILED_TO_START
// path.
func (n *Node) startTask(ctx context.Context) {
	n.setStatus(core.StateStartingTask)
	n.logger.Info("Starting task", "deal", n.DealID())

	cfg, err := n.nodeConfig()
	if err != nil {
		n.logger.Error("Cannot start task", "error", err.Error())
		n.setStatus(core.StateTaskFailed)
		return
	}

	timeout := time.Duration(cfg.TaskStartTimeout) * time.Second
	task, err := n.market.TaskStart(ctx, n.DealID(), n.taskSpec, timeout)
	if err != nil {
		n.logger.Error("Failed to start task, closing deal and blacklisting worker",
			"deal", n.DealID(), "error", err.Error())
		n.metrics.TasksFailedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task", n.taskTag),
			attribute.String("reason", "failed_to_start")))
		n.setStatus(core.StateTaskFailedToStart)
		return
	}

	n.setTask(task.ID)
	n.setStatus(core.StateTaskRunning)
	n.logger.Info("Task started", "deal", n.DealID(), "task", task.ID)
	n.metrics.TasksStartedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("task", n.taskTag)))
	n.journal.Record(n.nodeTag, journal.EventTaskStarted,
		fmt.Sprintf("task %s deal %s", task.ID, n.DealID()))
}

// checkTask polls the deal first, then the task. The deal can close behind
// our back, the worker can vanish, and the task can spool, run, finish or
// break; each outcome picks the next state and sleep.
func (n *Node) checkTask(ctx context.Context) int {
	deal, err := n.market.DealStatus(ctx, n.DealID())
	if err == nil && deal.Status == core.DealStatusClosed {
		n.logger.Info("Deal was closed remotely", "deal", n.DealID())
		n.clearDealFields()
		n.setStatus(core.StateDealDisappeared)
		return sleepRetry
	}
	if err != nil {
		n.logger.Error("Cannot retrieve deal status", "deal", n.DealID(), "error", err.Error())
		return sleepIdle
	}

	task, err := n.market.TaskStatus(ctx, n.DealID(), n.TaskID())
	if err != nil {
		n.logger.Error("Cannot retrieve task status, worker is offline?",
			"deal", n.DealID(), "task", n.TaskID(), "error", err.Error())
		n.metrics.TasksFailedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task", n.taskTag),
			attribute.String("reason", "unreachable")))
		n.journal.Record(n.nodeTag, journal.EventTaskFailed, "worker unreachable")
		n.setStatus(core.StateTaskFailed)
		return sleepRetry
	}

	switch task.Status {
	case core.TaskStatusRunning:
		n.logger.Info("Task is running", "deal", n.DealID(), "task", n.TaskID(),
			"uptime_seconds", task.UptimeSeconds)
		if n.Status() != core.StateTaskRunning {
			n.journal.Record(n.nodeTag, journal.EventTaskRunning, "task "+n.TaskID())
		}
		n.setUptime(task.UptimeSeconds)
		n.setStatus(core.StateTaskRunning)
		return sleepIdle
	case core.TaskStatusSpooling, core.TaskStatusSpawning:
		n.logger.Info("Task is uploading", "deal", n.DealID(), "task", n.TaskID())
		n.setStatus(core.StateStartingTask)
		return sleepIdle
	case core.TaskStatusBroken:
		cfg, cfgErr := n.nodeConfig()
		if cfgErr == nil && task.UptimeSeconds < cfg.ETS {
			n.logger.Error("Task failed before ETS, closing deal and blacklisting worker",
				"deal", n.DealID(), "uptime_seconds", task.UptimeSeconds, "ets", cfg.ETS)
			n.metrics.TasksFailedTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("task", n.taskTag),
				attribute.String("reason", "failed_to_start")))
			n.journal.Record(n.nodeTag, journal.EventTaskFailed, "broken before ets")
			n.setStatus(core.StateTaskFailedToStart)
			return sleepRetry
		}
		n.logger.Error("Task failed after ETS, closing deal and recreating order",
			"deal", n.DealID(), "uptime_seconds", task.UptimeSeconds)
		n.metrics.TasksFailedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task", n.taskTag),
			attribute.String("reason", "broken")))
		n.journal.Record(n.nodeTag, journal.EventTaskFailed, "broken after ets")
		n.setStatus(core.StateTaskBroken)
		return sleepRetry
	case core.TaskStatusFinished:
		n.logger.Info("Task finished, fetching log and shutting node down",
			"deal", n.DealID(), "task", n.TaskID(), "uptime_seconds", task.UptimeSeconds)
		n.metrics.TasksFinishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("task", n.taskTag)))
		n.setStatus(core.StateTaskFinished)
		return sleepRetry
	}
	return sleepIdle
}

// closeDeal captures task logs when there is an outcome to capture, closes
// the deal unless it is already closed, and moves to stateAfter.
func (n *Node) closeDeal(ctx context.Context, stateAfter core.State, blacklist bool) {
	dealID := n.DealID()
	status := n.Status()

	if n.TaskID() != "" {
		n.logger.Info("Saving task logs", "deal", dealID, "task", n.TaskID())
		switch status {
		case core.StateTaskFailed, core.StateTaskBroken:
			n.saveTaskLogs(ctx, "fail_")
		case core.StateTaskFinished:
			n.saveTaskLogs(ctx, "success_")
		}
	}

	n.logger.Info("Closing deal", "deal", dealID, "blacklist", blacklist)
	deal, err := n.market.DealStatus(ctx, dealID)
	if err == nil && deal.Status == core.DealStatusClosed {
		n.logger.Error("Deal already closed", "deal", dealID)
	} else {
		if err := n.market.DealClose(ctx, dealID, blacklist); err != nil {
			n.logger.Error("Failed to close deal", "deal", dealID, "error", err.Error())
		} else {
			n.logger.Info("Deal was closed", "deal", dealID)
		}
	}

	n.journal.Record(n.nodeTag, journal.EventDealClosed,
		fmt.Sprintf("deal %s blacklist=%t", dealID, blacklist))
	if stateAfter == core.StateWorkCompleted {
		n.journal.Record(n.nodeTag, journal.EventTaskFinished, "deal "+dealID)
	}
	n.clearDealFields()
	n.setStatus(stateAfter)
}

func (n *Node) saveTaskLogs(ctx context.Context, prefix string) {
	path := filepath.Join(n.outDir, fmt.Sprintf("%s%s-deal-%s.log", prefix, n.nodeTag, n.DealID()))
	if err := n.market.TaskLogs(ctx, n.DealID(), n.TaskID(), "1000000", path); err != nil {
		n.logger.Warn("Failed to save task logs", "deal", n.DealID(), "error", err.Error())
	}
}

func (n *Node) cancelOrder(ctx context.Context) {
	if err := n.market.OrderCancel(ctx, n.BidID()); err != nil {
		n.logger.Warn("Failed to cancel order", "order", n.BidID(), "error", err.Error())
	}
}

// waitSleep sleeps the given number of ticks, returning early on stop or
// context cancellation. Zero or negative means a full idle period.
func (n *Node) waitSleep(ctx context.Context, ticks int) {
	if ticks <= 0 {
		ticks = sleepIdle
	}
	for i := 0; i < ticks; i++ {
		if !n.keepWork.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(n.sleepUnit):
		}
	}
}

// ResetToStart closes out whatever the node holds and restarts the
// lifecycle. The watchdog calls this when the loop stalls past the restart
// timeout.
func (n *Node) ResetToStart(ctx context.Context) {
	n.logger.Info("Resetting node to start state")
	n.stepMu.Lock()
	defer n.stepMu.Unlock()
	n.purgeLocked(ctx, core.StateStart)
	n.metrics.NodeResetsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("task", n.taskTag)))
	n.journal.Record(n.nodeTag, journal.EventNodeReset, "")
	n.heartbeat()
}

// FinishWork tears the node down: stop the loop, release the order or deal,
// and mark the work completed. Called when the node's tag disappears from
// the configuration.
func (n *Node) FinishWork(ctx context.Context) {
	n.logger.Info("Destroying node")
	n.keepWork.Store(false)
	n.stepMu.Lock()
	defer n.stepMu.Unlock()
	n.purgeLocked(ctx, core.StateWorkCompleted)
	n.journal.Record(n.nodeTag, journal.EventNodeDestroyed, "")
}

// StopWork asks the loop to exit after the current step. Nothing remote is
// released: orders and deals survive a process restart and are reconciled
// on the next start.
func (n *Node) StopWork() {
	n.logger.Debug("Stopping node")
	n.keepWork.Store(false)
}

// purgeLocked releases the node's remote resources from whatever state it
// is in. Callers hold stepMu, so a step is never in flight here: a bid that
// reached the marketplace is observable as AWAITING_DEAL or later.
func (n *Node) purgeLocked(ctx context.Context, stateAfter core.State) {
	switch n.Status() {
	case core.StateDealOpened, core.StateStartingTask, core.StateTaskRunning,
		core.StateTaskFailed, core.StateTaskFailedToStart, core.StateTaskBroken,
		core.StateTaskFinished:
		blacklist := n.Status() == core.StateTaskFailedToStart
		n.closeDeal(ctx, stateAfter, blacklist)
	case core.StateAwaitingDeal:
		n.cancelOrder(ctx)
	case core.StatePlacingOrder:
		if n.BidID() != "" {
			n.cancelOrder(ctx)
		}
	}
	n.setStatus(stateAfter)
}
