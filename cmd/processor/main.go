package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/pubsub"

	"github.com/threatlens/threatscan/pkg/config"
	"github.com/threatlens/threatscan/pkg/dal"
	sqlite "github.com/threatlens/threatscan/pkg/dal/sqlite"
	"github.com/threatlens/threatscan/pkg/logging"
	"github.com/threatlens/threatscan/pkg/pipeline"
	"github.com/threatlens/threatscan/pkg/processor"
	"github.com/threatlens/threatscan/pkg/scan"
	"github.com/threatlens/threatscan/pkg/scheduler"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logging.New("json", "info").Error("config", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log.Format, cfg.Log.Level)
	fatal := func(msg string, err error) {
		log.Error(msg, "error", err)
		os.Exit(1)
	}

	// Ensure emulator host is exported for the Pub/Sub client when running locally.
	if cfg.PubSub.EmulatorHost != "" {
		if err := os.Setenv("PUBSUB_EMULATOR_HOST", cfg.PubSub.EmulatorHost); err != nil {
			fatal("set emulator host", err)
		}
	}

	// Handle graceful shutdown signals and allow in-flight work to finish.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdownCh
		log.Info("shutdown signal received; canceling in-flight work")
		cancel()
	}()

	// Initialize the configured datastore implementation.
	var repo dal.Repository
	switch cfg.Storage.Datastore {
	case "sqlite":
		repo, err = sqlite.New(cfg.Storage.DBPath)
	default:
		log.Error("unsupported datastore", "datastore", cfg.Storage.Datastore)
		os.Exit(1)
	}
	if err != nil {
		fatal("open store", err)
	}
	defer repo.Close()

	p, err := pipeline.Build(ctx, cfg, repo, log)
	if err != nil {
		fatal("build pipeline", err)
	}
	defer p.Close()

	if cfg.Scan.RescanSchedule != "" {
		sched, err := scheduler.New(cfg.Scan.RescanSchedule, repo, p.Orchestrator, cfg.Scan.RescanTimeoutDuration(), log)
		if err != nil {
			fatal("rescan scheduler", err)
		}
		if err := sched.Start(ctx); err != nil {
			fatal("start scheduler", err)
		}
		defer sched.Stop()
	}

	// Set up Pub/Sub client
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		fatal("pubsub client", err)
	}
	defer client.Close()

	sub := client.Subscription(cfg.PubSub.SubscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		fatal("checking subscription", err)
	}
	if !exists {
		log.Error("subscription not found", "subscription", cfg.PubSub.SubscriptionID)
		os.Exit(1)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.Scan.Concurrency

	log.Info("PROCESSOR READY", "project", cfg.PubSub.ProjectID, "subscription", cfg.PubSub.SubscriptionID,
		"emulator", cfg.PubSub.EmulatorHost, "db", cfg.Storage.DBPath, "config", cfg.Redacted())

	// Each message requests one scan. Only persistence failures are redelivered;
	// bad requests and unknown assets would fail the same way again.
	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		req, err := processor.ParseScanRequest(msg.Data)
		if err != nil {
			log.Warn("message decode error", "message_id", msg.ID, "error", err)
			msg.Ack()
			return
		}
		req.MessageID = msg.ID

		_, err = p.Orchestrator.Run(ctx, req.AssetID)
		var perr *scan.PersistenceError
		switch {
		case err == nil:
			msg.Ack()
		case errors.Is(err, scan.ErrAssetNotFound):
			log.Warn("scan requested for unknown asset", "message_id", msg.ID, "asset_id", req.AssetID)
			msg.Ack()
		case errors.As(err, &perr):
			log.Error("scan not stored", "message_id", msg.ID, "asset_id", req.AssetID, "error", err)
			msg.Nack()
		default:
			log.Warn("scan interrupted", "message_id", msg.ID, "asset_id", req.AssetID, "error", err)
			msg.Nack()
		}
	})

	if err != nil && !errors.Is(err, context.Canceled) {
		fatal("subscription receive error", err)
	}

	log.Info("processor exiting")
}
