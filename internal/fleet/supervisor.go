package fleet

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskfleet/internal/alert"
	"taskfleet/internal/core"
	"taskfleet/internal/node"
	"taskfleet/internal/pricing"
	"taskfleet/pkg/concurrency"
	"taskfleet/pkg/telemetry"
)

const (
	// minPoolSize keeps headroom for small fleets; big fleets get two
	// workers per node so teardown RPCs never starve watch loops.
	minPoolSize = 100

	stateDumpSchedule     = "@every 60s"
	configReloadSchedule  = "@every 60s"
	balanceCheckSchedule  = "@every 600s"
	defaultTick           = time.Second
	defaultSubmitInterval = time.Second
)

// SupervisorOptions carries the supervisor dependencies. Tick and
// SubmitEvery exist for tests; zero values mean production defaults.
type SupervisorOptions struct {
	Registry    *Registry
	Oracle      *pricing.Oracle
	Alerts      *alert.AlertManager
	NodeOpts    node.Options
	Tick        time.Duration
	SubmitEvery time.Duration
}

// Supervisor runs every node's watch loop on a worker pool and keeps the
// fleet aligned with the configuration: crashed loops are resubmitted,
// nodes dropped from config are torn down, new nodes are added on reload.
type Supervisor struct {
	registry *Registry
	oracle   *pricing.Oracle
	alerts   *alert.AlertManager
	nodeOpts node.Options
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	pool    *concurrency.WorkerPool
	limiter *rate.Limiter
	cron    *cron.Cron
	tick    time.Duration

	balance atomic.Pointer[core.Balance]

	// watching maps node tags to the done channel of their in-flight
	// watch loop.
	mu       sync.Mutex
	watching map[string]chan error
}

// NewSupervisor builds a supervisor for the nodes already in the registry.
// The pool is sized for the configured fleet, not the current registry, so
// config reloads can grow the fleet without resizing.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	logger := opts.NodeOpts.Logger.WithField("component", "supervisor")
	if opts.Alerts == nil {
		opts.Alerts = alert.NewAlertManager(opts.NodeOpts.Logger)
	}

	configured := len(opts.NodeOpts.Store.Snapshot().Nodes)
	workers := minPoolSize
	if n := 2 * configured; n > workers {
		workers = n
	}
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "fleet",
		MaxWorkers:  workers,
		MaxCapacity: workers,
	}, opts.NodeOpts.Logger)

	tick := opts.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	submitEvery := opts.SubmitEvery
	if submitEvery <= 0 {
		submitEvery = defaultSubmitInterval
	}

	s := &Supervisor{
		registry: opts.Registry,
		oracle:   opts.Oracle,
		alerts:   opts.Alerts,
		nodeOpts: opts.NodeOpts,
		logger:   logger,
		metrics:  telemetry.GetGlobalMetrics(),
		pool:     pool,
		limiter:  rate.NewLimiter(rate.Every(submitEvery), 1),
		cron:     cron.New(),
		tick:     tick,
		watching: make(map[string]chan error),
	}
	s.balance.Store(&core.Balance{LiveBalance: "n/a", SideBalance: "n/a", LiveEthBalance: "n/a"})
	return s
}

// Run executes watch loops until every node completes its work or the
// context is cancelled. On cancellation nodes are stopped cooperatively;
// standing orders and open deals stay on the marketplace.
func (s *Supervisor) Run(ctx context.Context) error {
	s.refreshBalance(ctx)
	s.scheduleJobs(ctx)
	s.cron.Start()
	defer s.cron.Stop()
	defer s.pool.Stop()

	// Stagger the initial submissions so the marketplace node is not
	// slammed by the whole fleet at once.
	for _, n := range s.registry.Values() {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		s.submit(ctx, n)
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	done := ctx.Done()

	for {
		s.reap(ctx)
		s.teardownRemoved(ctx)
		if done != nil {
			s.submitIdle(ctx)
		}
		s.updateActiveGauge()

		if s.inFlight() == 0 {
			s.logState()
			s.logger.Info("All nodes completed their work")
			return nil
		}

		select {
		case <-done:
			done = nil
			s.logger.Info("Stop requested, signalling nodes")
			for _, n := range s.registry.Values() {
				n.StopWork()
			}
		case <-ticker.C:
		}
	}
}

// scheduleJobs registers the periodic maintenance jobs.
func (s *Supervisor) scheduleJobs(ctx context.Context) {
	s.cron.AddFunc(stateDumpSchedule, s.logState)
	s.cron.AddFunc(configReloadSchedule, func() { s.reloadConfig(ctx) })
	s.cron.AddFunc(balanceCheckSchedule, func() { s.refreshBalance(ctx) })
}

// submit hands the node's watch loop to the pool unless one is in flight.
func (s *Supervisor) submit(ctx context.Context, n *node.Node) {
	tag := n.NodeTag()

	s.mu.Lock()
	if _, inFlight := s.watching[tag]; inFlight {
		s.mu.Unlock()
		return
	}
	handle := make(chan error, 1)
	s.watching[tag] = handle
	s.mu.Unlock()

	s.logger.Info("Adding node to executor", "node", tag)
	if err := s.pool.Submit(func() { handle <- n.WatchNode(ctx) }); err != nil {
		s.mu.Lock()
		delete(s.watching, tag)
		s.mu.Unlock()
		s.logger.Warn("Pool rejected node, will retry", "node", tag, "error", err.Error())
	}
}

// reap clears finished watch loops. A loop that returned an error is left
// not running; submitIdle picks it up on the next tick.
func (s *Supervisor) reap(ctx context.Context) {
	s.mu.Lock()
	handles := make(map[string]chan error, len(s.watching))
	for tag, handle := range s.watching {
		handles[tag] = handle
	}
	s.mu.Unlock()

	for tag, handle := range handles {
		select {
		case err := <-handle:
			s.mu.Lock()
			delete(s.watching, tag)
			s.mu.Unlock()

			s.logger.Info("Removing node from execution list", "node", tag)
			if err != nil {
				s.logger.Error("Node loop failed", "node", tag, "error", err.Error())
				s.alerts.Alert(ctx, "Node loop failed", err.Error(), alert.Error,
					map[string]string{"node": tag})
			}
		default:
		}
	}
}

// teardownRemoved destroys nodes whose tag disappeared from configuration.
func (s *Supervisor) teardownRemoved(ctx context.Context) {
	configured := s.nodeOpts.Store.Snapshot().Nodes
	for _, n := range s.registry.Values() {
		if _, ok := configured[n.NodeTag()]; ok {
			continue
		}
		s.logger.Info("Stopping node, it no longer exists in configuration", "node", n.NodeTag())
		n.FinishWork(ctx)
		s.registry.Remove(n.NodeTag())
	}
}

// submitIdle resubmits nodes with no live watch loop: new nodes from a
// config reload and loops that crashed.
func (s *Supervisor) submitIdle(ctx context.Context) {
	for _, n := range s.registry.Values() {
		if n.Status() == core.StateWorkCompleted {
			continue
		}
		s.submit(ctx, n)
	}
}

func (s *Supervisor) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watching)
}

func (s *Supervisor) updateActiveGauge() {
	counts := make(map[string]int64)
	for _, n := range s.registry.Values() {
		if n.IsRunning() {
			counts[n.TaskTag()]++
		} else if _, seen := counts[n.TaskTag()]; !seen {
			counts[n.TaskTag()] = 0
		}
	}
	for tag, count := range counts {
		s.metrics.SetActiveNodes(tag, count)
	}
}

// reloadConfig re-reads the config folder, refreshes the price cache and
// registers nodes added to the configuration. Removal is handled by the
// watch loop's teardown pass.
func (s *Supervisor) reloadConfig(ctx context.Context) {
	snapshot, err := s.nodeOpts.Store.Reload()
	if err != nil {
		s.logger.Warn("Config reload failed, keeping previous configuration", "error", err.Error())
		return
	}
	s.oracle.Refresh(ctx, snapshot.Resources())
	s.appendMissedNodes(snapshot.NodeTags())
}

// appendMissedNodes creates registry entries for configured tags that have
// no node yet.
func (s *Supervisor) appendMissedNodes(nodeTags []string) {
	for _, tag := range nodeTags {
		if _, ok := s.registry.Get(tag); ok {
			continue
		}
		fresh, err := node.NewEmpty(s.nodeOpts, tag)
		if err != nil {
			s.logger.Warn("Cannot create node for new tag", "node", tag, "error", err.Error())
			continue
		}
		s.logger.Info("Adding node from reloaded configuration", "node", tag)
		s.registry.Add(fresh)
	}
}

// refreshBalance snapshots the token balance for the dashboard and alerts
// when the balance endpoint is unreachable.
func (s *Supervisor) refreshBalance(ctx context.Context) {
	balance := s.nodeOpts.Market.TokenBalance(ctx)
	s.balance.Store(balance)
	if balance.LiveBalance == "n/a" {
		s.alerts.Alert(ctx, "Balance unavailable",
			"Token balance request failed, the marketplace node may be down", alert.Warning, nil)
	}
}

// Balance returns the last balance snapshot.
func (s *Supervisor) Balance() *core.Balance {
	return s.balance.Load()
}

// Rows snapshots the fleet for the dashboard.
func (s *Supervisor) Rows() []core.TableRow {
	return s.registry.Rows()
}

// PredictedPrice returns the cached market quote for a task tag, formatted
// for display.
func (s *Supervisor) PredictedPrice(taskTag string) string {
	return s.oracle.FormattedPriceForTag(taskTag)
}

// logState dumps the fleet state table to the log, the same view the
// dashboard serves.
func (s *Supervisor) logState() {
	rows := s.registry.Rows()

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"Node", "Order id", "Order price", "Deal id", "Task id", "Task uptime", "Node status", "HB"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, row := range rows {
		table.Append([]string{
			row.NodeTag,
			row.OrderID,
			row.OrderPrice,
			row.DealID,
			row.TaskID,
			strconv.FormatInt(row.TaskUptime, 10),
			row.Status.String(),
			fmt.Sprintf("%d sec", row.SinceHeartbeat),
		})
	}
	table.Render()

	s.logger.Info("Nodes:\n" + buf.String())
}
