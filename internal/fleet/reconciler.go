package fleet

import (
	"context"

	"taskfleet/internal/config"
	"taskfleet/internal/core"
	"taskfleet/internal/node"
)

// Reconciler rebuilds the node set from marketplace state after a restart,
// so standing orders and open deals are adopted instead of duplicated.
type Reconciler struct {
	registry *Registry
	opts     node.Options
	logger   core.ILogger
}

// NewReconciler creates a reconciler that seeds the given registry.
func NewReconciler(registry *Registry, opts node.Options) *Reconciler {
	return &Reconciler{
		registry: registry,
		opts:     opts,
		logger:   opts.Logger.WithField("component", "reconciler"),
	}
}

// Reconcile adopts open deals first, then standing orders, then fills every
// remaining configured tag with a fresh node. Remote state that fails to
// resolve is skipped with a warning; a skipped tag ends up as a fresh node
// and the watchdog path recovers whatever was left behind.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	snapshot := r.opts.Store.Snapshot()
	limit := len(snapshot.Nodes)

	r.adoptDeals(ctx, limit, snapshot.Nodes)
	r.adoptOrders(ctx, limit, snapshot.Nodes)

	// Whatever is still unseeded starts from scratch.
	for nodeTag := range snapshot.Nodes {
		if _, ok := r.registry.Get(nodeTag); ok {
			continue
		}
		fresh, err := node.NewEmpty(r.opts, nodeTag)
		if err != nil {
			return err
		}
		r.registry.Add(fresh)
	}

	r.logger.Info("Reconciled fleet state", "nodes", r.registry.Len())
	return nil
}

func (r *Reconciler) adoptDeals(ctx context.Context, limit int, configured map[string]*config.TaskConfig) {
	deals, err := r.opts.Market.DealList(ctx, limit)
	if err != nil {
		r.logger.Warn("Cannot list open deals, skipping deal adoption", "error", err.Error())
		return
	}

	for _, deal := range deals {
		state, err := r.opts.Market.DealStatus(ctx, deal.ID)
		if err != nil {
			r.logger.Warn("Cannot resolve deal, skipping", "deal", deal.ID, "error", err.Error())
			continue
		}
		// The node tag only lives on the order behind the deal.
		order, err := r.opts.Market.OrderStatus(ctx, state.BidID)
		if err != nil {
			r.logger.Warn("Cannot resolve order behind deal, skipping",
				"deal", deal.ID, "order", state.BidID, "error", err.Error())
			continue
		}
		if _, ok := configured[order.Tag]; !ok {
			continue
		}

		status := core.StateDealOpened
		taskID := ""
		if state.WorkerOffline {
			r.logger.Info("Worker looks offline, no answer to the resources request, deal will be closed",
				"deal", deal.ID, "node", order.Tag)
			status = core.StateTaskFailed
		} else if len(state.Running) > 0 {
			taskID = state.Running[0]
			status = core.StateTaskRunning
		}

		adopted, err := node.New(r.opts, status, order.Tag, deal.ID, taskID, state.BidID, state.Price)
		if err != nil {
			r.logger.Warn("Cannot adopt deal", "deal", deal.ID, "node", order.Tag, "error", err.Error())
			continue
		}
		r.logger.Info("Found deal", "deal", deal.ID, "node", order.Tag, "state", status.String())
		r.registry.Add(adopted)
	}
}

func (r *Reconciler) adoptOrders(ctx context.Context, limit int, configured map[string]*config.TaskConfig) {
	orders, err := r.opts.Market.OrderList(ctx, limit)
	if err != nil {
		r.logger.Warn("Cannot list standing orders, skipping order adoption", "error", err.Error())
		return
	}

	for _, order := range orders {
		if _, ok := configured[order.Tag]; !ok {
			continue
		}
		// A tag seeded from the deal pass keeps its deal-backed node.
		if _, ok := r.registry.Get(order.Tag); ok {
			continue
		}

		adopted, err := node.New(r.opts, core.StateAwaitingDeal, order.Tag, "", "", order.ID, order.Price)
		if err != nil {
			r.logger.Warn("Cannot adopt order", "order", order.ID, "node", order.Tag, "error", err.Error())
			continue
		}
		r.logger.Info("Found order", "order", order.ID, "node", order.Tag)
		r.registry.Add(adopted)
	}
}
