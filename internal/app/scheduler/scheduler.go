// Package scheduler собирает приложение, которое уведомляет об истекающих планах.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/habit-entitlements/internal/cache"
	"github.com/magabrotheeeer/habit-entitlements/internal/config"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/entitlement"
	schedulerservice "github.com/magabrotheeeer/habit-entitlements/internal/services/scheduler"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/users"
	"github.com/magabrotheeeer/habit-entitlements/internal/storage/repository"
)

// App представляет приложение планировщика.
type App struct {
	schedulerService *schedulerservice.Service
	db               *repository.Storage
	cache            *cache.Cache
	conn             *amqp.Connection
	ch               *amqp.Channel
	logger           *slog.Logger
}

// waitForDB ждёт, пока API применит миграции.
func waitForDB(ctx context.Context, db *repository.Storage) error {
	for range 10 {
		if err := repository.CheckDatabaseReady(ctx, db); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return fmt.Errorf("database not ready after retries")
}

// New создает новый экземпляр приложения планировщика.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{logger: logger}

	var err error
	app.conn, err = rabbitmq.Connect(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}
	app.ch, err = rabbitmq.SetupChannel(app.conn, rabbitmq.GetEventQueues())
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}

	app.db, err = repository.New(ctx, cfg.StorageConnectionString)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	if err := waitForDB(ctx, app.db); err != nil {
		app.close()
		return nil, err
	}

	app.cache, err = cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}

	userService := users.NewService(app.db, app.cache, cfg.RedisConnection.UserTTL, logger)
	engine := entitlement.NewEngine(plancatalog.Default(), logger,
		entitlement.WithExpiringSoonThreshold(cfg.Entitlement.ExpiringSoon))

	app.schedulerService = schedulerservice.NewService(
		userService,
		engine,
		rabbitmq.NewPublisher(app.ch, rabbitmq.Exchange),
		app.cache,
		cfg.Entitlement.ExpiringSoon,
		cfg.Scheduler.Interval,
		logger,
	)
	return app, nil
}

// Run запускает планировщик и блокируется до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	err := a.schedulerService.Run(ctx)
	a.logger.Info("shutting down scheduler service")
	return err
}

func (a *App) close() {
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			a.logger.Error("failed to close channel", sl.Err(err))
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Error("failed to close connection", sl.Err(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("failed to close cache", sl.Err(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("failed to close storage", sl.Err(err))
		}
	}
}
