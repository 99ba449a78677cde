package middlewarectx

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/response"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
)

// Entitlements описывает проверку доступа к функциям.
type Entitlements interface {
	HasFeature(user *models.User, key string) bool
	Explain(user *models.User, key string) string
	RecommendedUpgrade(user *models.User) plancatalog.Plan
}

// Denial: тело ответа 403 при отсутствии доступа к функции.
type Denial struct {
	Feature         string           `json:"feature"`
	RecommendedPlan plancatalog.Plan `json:"recommended_plan"`
}

// RequireFeature пропускает запрос, только если пользователю доступна функция key.
func RequireFeature(log *slog.Logger, engine Entitlements, key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFrom(r.Context())
			if !ok {
				log.Error("user identification missing")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("user identification missing"))
				return
			}

			if !engine.HasFeature(user, key) {
				log.Info("feature access denied", slog.String("uid", user.UUID), slog.String("feature", key))
				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, response.ErrorWithData(engine.Explain(user, key), Denial{
					Feature:         key,
					RecommendedPlan: engine.RecommendedUpgrade(user),
				}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
