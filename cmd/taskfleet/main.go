// Command taskfleet keeps a fleet of marketplace worker nodes busy: it
// places bids, starts tasks on matched deals, replaces failed workers and
// exits once every node has finished its configured work.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"taskfleet/internal/alert"
	"taskfleet/internal/bootstrap"
	"taskfleet/internal/config"
	"taskfleet/internal/dashboard"
	"taskfleet/internal/fleet"
	"taskfleet/internal/infrastructure/health"
	"taskfleet/internal/infrastructure/metrics"
	"taskfleet/internal/journal"
	"taskfleet/internal/market"
	"taskfleet/internal/node"
	"taskfleet/internal/pricing"
	"taskfleet/internal/safety"
)

// Version information (set via build flags)
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configFolder := flag.String("config", config.DefaultFolder, "Path to the configuration folder")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("taskfleet version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configFolder)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start taskfleet: %v\n", err)
		os.Exit(1)
	}

	app.Logger.Info("Starting taskfleet", "version", version, "config", *configFolder)

	err = run(app)
	app.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(app *bootstrap.App) error {
	logger := app.Logger
	base := app.Store.Base()

	identity, err := config.LoadConsumerIdentity(base.Ethereum)
	if err != nil {
		logger.Error("Failed to unlock consumer identity", "error", err)
		return err
	}
	logger.Info("Consumer identity unlocked",
		"address", identity.Address,
		"key_file", identity.KeyFile)

	client := market.NewClient(base.NodeAddress, identity.Address, base.RPCTimeout(), logger)

	jrnl, err := journal.Open(base.JournalPath)
	if err != nil {
		logger.Error("Failed to open journal", "path", base.JournalPath, "error", err)
		return err
	}
	defer jrnl.Close()

	startCtx, cancel := context.WithTimeout(context.Background(), 2*base.RPCTimeout())
	defer cancel()

	checker := safety.NewBidChecker(logger)
	if err := checker.CheckMarketConnectivity(startCtx, client); err != nil {
		logger.Error("Marketplace node is unreachable",
			"node_address", base.NodeAddress,
			"error", err)
		return err
	}

	oracle := pricing.NewOracle(client, logger)
	oracle.Refresh(startCtx, app.Store.Snapshot().Resources())

	alerts := alert.NewAlertManager(logger)
	if hook := base.Alerts.SlackWebhook.Value(); hook != "" {
		alerts.AddChannel(alert.NewSlackChannel(hook))
	}
	if token := base.Alerts.TelegramToken.Value(); token != "" {
		alerts.AddChannel(alert.NewTelegramChannel(token, base.Alerts.TelegramChatID))
	}

	registry := fleet.NewRegistry()
	nodeOpts := node.Options{
		Market:  client,
		Store:   app.Store,
		Oracle:  oracle,
		Checker: checker,
		Journal: journal.NewRecorder(jrnl, logger),
		Logger:  logger,
	}

	// Adopt whatever the previous run left on the marketplace before
	// placing anything new.
	if err := fleet.NewReconciler(registry, nodeOpts).Reconcile(startCtx); err != nil {
		logger.Error("Failed to reconcile marketplace state", "error", err)
		return err
	}

	supervisor := fleet.NewSupervisor(fleet.SupervisorOptions{
		Registry: registry,
		Oracle:   oracle,
		Alerts:   alerts,
		NodeOpts: nodeOpts,
	})

	monitor := health.NewManager(logger)
	monitor.Register("marketplace", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), base.RPCTimeout())
		defer cancel()
		_, err := client.OrderList(ctx, 1)
		return err
	})
	monitor.Register("journal", func() error {
		return jrnl.Ping(context.Background())
	})

	runners := []bootstrap.Runner{
		supervisor,
		metrics.NewServer(base.MetricsAddress, monitor, logger),
	}
	if dash := dashboard.New(supervisor, base.HTTPServer, logger); dash != nil {
		runners = append(runners, dash)
	}
	return app.Run(runners...)
}
