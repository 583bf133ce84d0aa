package app

import (
	"context"
	"fmt"
	"log"

	"custody-backend/internal/chain"
	"custody-backend/internal/config"
	"custody-backend/internal/db"
	"custody-backend/internal/deposit"
	"custody-backend/internal/handlers"
	"custody-backend/internal/lockmanager"
	"custody-backend/internal/monitor"
	"custody-backend/internal/notify"
	"custody-backend/internal/payment"
	"custody-backend/internal/push"
	"custody-backend/internal/router"
	"custody-backend/internal/settings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Container wires every component explicitly. Construction order follows
// the dependency graph; nothing reaches for globals.
type Container struct {
	Config *config.Config
	DB     *gorm.DB
	Chain  *chain.Client
	Locks  *lockmanager.Manager

	Notifier    notify.Notifier
	nats        *notify.NATSNotifier
	Hub         *push.Hub
	Settings    *settings.Reader
	Checkpoints *monitor.CheckpointStore

	Processor *deposit.Processor
	Sweeper   *deposit.Sweeper
	Monitor   *monitor.EventMonitor
	Sender    *payment.Sender
	Engine    *payment.Engine

	Router *gin.Engine
}

// Build constructs the full dependency graph from configuration.
func Build(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}

	gdb, err := db.Connect(&cfg.Database)
	if err != nil {
		return nil, err
	}
	c.DB = gdb

	c.Chain, err = chain.NewClient(&cfg.Blockchain)
	if err != nil {
		return nil, err
	}

	c.Locks = lockmanager.New(gdb)
	c.Settings = settings.NewReader(gdb)
	c.Hub = push.NewHub()

	if cfg.NATS.URL != "" {
		c.nats, err = notify.NewNATSNotifier(&cfg.NATS)
		if err != nil {
			return nil, err
		}
		c.Notifier = notify.NewMultiNotifier(c.nats, c.Hub)
	} else {
		log.Println("⚠️ NATS not configured, notifications limited to live sockets")
		c.Notifier = notify.NewMultiNotifier(notify.NopNotifier{}, c.Hub)
	}

	c.Checkpoints, err = monitor.NewCheckpointStore(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}

	c.Sender = payment.NewSender(c.Chain, &cfg.Blockchain, &cfg.Payments, c.Notifier)
	c.Engine = payment.NewEngine(gdb, c.Sender, &cfg.Payments)

	c.Processor = deposit.NewProcessor(gdb, c.Chain, c.Locks, c.Notifier, c.Settings, c.Engine, &cfg.Deposits)
	c.Sweeper = deposit.NewSweeper(c.Processor)
	c.Monitor = monitor.New(c.Chain, gdb, c.Checkpoints, c.Processor, c.Notifier, c.Settings, &cfg.Deposits)

	health := handlers.NewHealthHandler(gdb)
	deposits := handlers.NewDepositHandler(gdb, c.Processor)
	admin := handlers.NewAdminHandler(c.Locks, c.Engine, c.Sender, c.Monitor)
	c.Router = router.New(cfg, health, deposits, admin, c.Hub)

	return c, nil
}

// Start launches the background services.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("event monitor: %w", err)
	}
	c.Sweeper.Start()
	c.Engine.Start()
	return nil
}

// Stop shuts everything down in reverse order.
func (c *Container) Stop() {
	c.Engine.Stop()
	c.Sweeper.Stop()
	c.Monitor.Stop()

	if c.nats != nil {
		c.nats.Close()
	}
	if c.Checkpoints != nil {
		if err := c.Checkpoints.Close(); err != nil {
			log.Printf("⚠️ Checkpoint store close: %v", err)
		}
	}
	c.Chain.Close()

	if sqlDB, err := c.DB.DB(); err == nil {
		sqlDB.Close()
	}
	log.Println("🛑 All services stopped")
}
