package entitlementapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/habit-entitlements/internal/cache"
	"github.com/magabrotheeeer/habit-entitlements/internal/config"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/auth/external"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/health"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/jwt"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/migrations"
	"github.com/magabrotheeeer/habit-entitlements/internal/paymentprovider"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/entitlement"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/payment"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/session"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/upgrade"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/users"
	"github.com/magabrotheeeer/habit-entitlements/internal/storage/repository"
)

const shutdownTimeout = 15 * time.Second

// App представляет HTTP API сервиса.
type App struct {
	server    *http.Server
	logger    *slog.Logger
	db        *repository.Storage
	cache     *cache.Cache
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	consumeCh *amqp.Channel
	sessions  *session.Manager
}

// New создает новый экземпляр приложения.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(ctx, cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}

	app := &App{logger: logger, db: db, cache: cacheRedis}

	app.conn, err = rabbitmq.Connect(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}
	app.pubCh, err = rabbitmq.SetupChannel(app.conn, rabbitmq.GetEventQueues())
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}
	app.consumeCh, err = rabbitmq.SetupChannel(app.conn, nil)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to setup RabbitMQ consumer channel: %w", err)
	}
	publisher := rabbitmq.NewPublisher(app.pubCh, rabbitmq.Exchange)

	userService := users.NewService(db, cacheRedis, cfg.RedisConnection.UserTTL, logger)
	tokens := jwt.NewJWTMaker(cfg.JWTToken.JWTSecretKey, cfg.JWTToken.TokenTTL)
	app.sessions = session.NewManager(userService, tokens, cacheRedis, logger)

	engine := entitlement.NewEngine(plancatalog.Default(), logger,
		entitlement.WithExpiringSoonThreshold(cfg.Entitlement.ExpiringSoon))

	gateway := paymentprovider.NewClient(paymentprovider.Config{
		BaseURL: cfg.Gateway.BaseURL,
		APIKey:  cfg.Gateway.APIKey,
		Timeout: cfg.Gateway.Timeout,
	}, logger)
	processor := payment.NewProcessor(gateway, payment.Config{
		WaitingTimeout:   waitingTimeout(cfg.Payment.WaitingTimeout),
		CallTimeout:      cfg.Payment.CallTimeout,
		SettledRetention: cfg.Payment.SettledRetention,
	}, logger, payment.WithListener(upgrade.NewOutcomeEvents(publisher, logger)))

	coordinator := upgrade.NewCoordinator(processor, userService, engine, app.sessions, publisher, cacheRedis,
		upgrade.Config{
			RenewalPeriod: cfg.Payment.RenewalPeriod,
			OutcomeTTL:    cfg.RedisConnection.OutcomeTTL,
		}, logger)

	var identities external.Verifier
	if cfg.ExternalAuth.IdentitySecret != "" {
		identities = jwt.NewIdentityVerifier(cfg.ExternalAuth.IdentitySecret, cfg.ExternalAuth.IdentityIssuer)
	} else {
		logger.Warn("external identity secret is not set, /auth/external is disabled")
	}

	router := chi.NewRouter()
	RegisterRoutes(router, logger, Deps{
		Sessions: app.sessions,
		Users:    userService,
		Engine:   engine,
		Upgrades: coordinator,
		Payments: processor,
		Health: map[string]health.Checker{
			"postgres": func(ctx context.Context) error { return repository.CheckDatabaseReady(ctx, db) },
			"redis":    func(ctx context.Context) error { return cacheRedis.Db.Ping(ctx).Err() },
		},
		Identities:    identities,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		RateLimit:     cfg.HTTPServer.RateLimit,
		RateBurst:     cfg.HTTPServer.RateBurst,
	})

	app.server = &http.Server{
		Addr:         cfg.HTTPServer.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.TimeoutHTTP,
		WriteTimeout: cfg.HTTPServer.TimeoutHTTP,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}
	return app, nil
}

// waitingTimeout переводит настройку в значение для Processor:
// отрицательное значение отключает ограничение ожидания.
func waitingTimeout(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// Run запускает HTTP-сервер и потребителя событий plan.changed
// и блокируется до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		queue, err := rabbitmq.DeclareInstanceQueue(a.consumeCh, rabbitmq.KeyPlanChanged)
		if err != nil {
			return err
		}
		if err := rabbitmq.ConsumerMessage(gctx, a.consumeCh, queue, a.logger, a.sessions.PlanChangedHandler(gctx)); err != nil {
			return err
		}
		a.logger.Info("plan.changed consumer started", slog.String("queue", queue))
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		return a.server.Shutdown(timeoutCtx)
	})

	return g.Wait()
}

func (a *App) close() {
	if a.consumeCh != nil {
		if err := a.consumeCh.Close(); err != nil {
			a.logger.Error("failed to close consumer channel", sl.Err(err))
		}
	}
	if a.pubCh != nil {
		if err := a.pubCh.Close(); err != nil {
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
