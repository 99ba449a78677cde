// Package entitlementapi собирает HTTP API сервиса доступа к планам.
package entitlementapi

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/account/export"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/account/me"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/account/watch"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/admin/activate"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/admin/grant"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/auth/external"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/auth/login"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/auth/logout"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/auth/register"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/features"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/health"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/payment/callback"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/plans"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/upgrades/begin"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/handlers/upgrades/status"
	"github.com/magabrotheeeer/habit-entitlements/internal/http/middlewarectx"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/entitlement"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/payment"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/session"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/upgrade"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/users"
)

// Deps: зависимости маршрутов.
type Deps struct {
	Sessions      *session.Manager
	Users         *users.Service
	Engine        *entitlement.Engine
	Upgrades      *upgrade.Coordinator
	Payments      *payment.Processor
	Health        map[string]health.Checker
	Identities    external.Verifier // nil отключает /auth/external
	WebhookSecret string
	RateLimit     float64
	RateBurst     int
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, d Deps) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
	)

	r.Route("/api/v1", func(r chi.Router) {
		// Открытые конечные точки
		r.Post("/register", register.New(logger, d.Sessions).ServeHTTP)
		r.Post("/login", login.New(logger, d.Sessions).ServeHTTP)
		if d.Identities != nil {
			r.Post("/auth/external", external.New(logger, d.Identities, d.Sessions).ServeHTTP)
		}
		r.Get("/plans", plans.New(logger, d.Engine.Catalog()).ServeHTTP)
		r.Get("/health", health.New(logger, d.Health).ServeHTTP)

		// Обратные вызовы шлюза подписываются секретом, JWT не нужен
		r.Post("/payments/callbacks", callback.New(logger, d.Payments, d.WebhookSecret).ServeHTTP)

		// Группа с JWT аутентификацией
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(d.Sessions, logger))
			r.Use(middlewarectx.RateLimitMiddleware(logger, d.RateLimit, d.RateBurst))
			r.Post("/logout", logout.New(logger, d.Sessions).ServeHTTP)
			r.Get("/me", me.New(logger, d.Engine).ServeHTTP)
			r.Get("/me/watch", watch.New(logger, d.Sessions, d.Engine).ServeHTTP)
			r.Get("/features/{key}", features.New(logger, d.Engine, d.Engine.Catalog()).ServeHTTP)
			r.Post("/upgrades", begin.New(logger, d.Upgrades).ServeHTTP)
			r.Get("/upgrades/{id}", status.New(logger, d.Upgrades).ServeHTTP)
			r.With(middlewarectx.RequireFeature(logger, d.Engine, plancatalog.FeatureDataExport)).
				Get("/export", export.New(logger, d.Engine).ServeHTTP)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middlewarectx.AdminOnly(logger))
				r.Post("/grants", grant.New(logger, d.Users, d.Upgrades).ServeHTTP)
				r.Put("/users/{id}/active", activate.New(logger, d.Users, d.Sessions).ServeHTTP)
			})
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
