// Package notifier собирает приложение почтовых уведомлений.
package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/habit-entitlements/internal/cache"
	"github.com/magabrotheeeer/habit-entitlements/internal/config"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/smtp"
	notifierservice "github.com/magabrotheeeer/habit-entitlements/internal/services/notifier"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/users"
	"github.com/magabrotheeeer/habit-entitlements/internal/storage/repository"
)

// App представляет приложение уведомлений.
type App struct {
	db              *repository.Storage
	cache           *cache.Cache
	conn            *amqp.Connection
	ch              *amqp.Channel
	notifierService *notifierservice.Service
	logger          *slog.Logger
}

// New создает новый экземпляр приложения.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{logger: logger}

	var err error
	app.db, err = repository.New(ctx, cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	app.cache, err = cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}
	app.conn, err = rabbitmq.Connect(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}
	app.ch, err = rabbitmq.SetupChannel(app.conn, rabbitmq.GetEventQueues())
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}

	userService := users.NewService(app.db, app.cache, cfg.RedisConnection.UserTTL, logger)
	app.notifierService = notifierservice.NewService(
		smtp.NewTransport(cfg.SMTP, logger),
		userService,
		cfg.SMTP.UpgradeURL,
		logger,
	)
	return app, nil
}

// Run запускает потребителей событий и блокируется до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	expiring, _ := rabbitmq.QueueFor(rabbitmq.KeyPlanExpiring)
	if err := rabbitmq.ConsumerMessage(ctx, a.ch, expiring, a.logger, a.notifierService.PlanExpiring); err != nil {
		a.logger.Error("failed to start consumer", slog.String("queue", expiring), sl.Err(err))
		return err
	}

	outcomes, _ := rabbitmq.QueueFor(rabbitmq.KeyPaymentOutcome)
	if err := rabbitmq.ConsumerMessage(ctx, a.ch, outcomes, a.logger, a.notifierService.PaymentOutcome(ctx)); err != nil {
		a.logger.Error("failed to start consumer", slog.String("queue", outcomes), sl.Err(err))
		return err
	}

	<-ctx.Done()
	a.logger.Info("notifier shutting down gracefully")
	return nil
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
