// Package entitlement отвечает на вопросы "есть ли у пользователя функция",
// "истёк ли план" и "какой план предложить следующим".
//
// Все проверки, чистые функции от (пользователь, каталог, текущее время):
// без сетевых вызовов и побочных эффектов, поэтому их можно вызывать
// синхронно и многократно, например для каждого элемента интерфейса.
package entitlement

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/metrics"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
)

// DefaultExpiringSoonThreshold: порог, после которого план считается истекающим.
const DefaultExpiringSoonThreshold = 7 * 24 * time.Hour

var (
	// ErrInactiveUser: пользователь деактивирован, доступ отозван.
	ErrInactiveUser = errors.New("user is inactive")
	// ErrNoUser: пользователь не передан.
	ErrNoUser = errors.New("no user")
)

// Status: состояние плана пользователя на текущий момент.
type Status struct {
	Plan            plancatalog.Plan `json:"plan"`
	EffectivePlan   plancatalog.Plan `json:"effective_plan"`
	Valid           bool             `json:"valid"`
	Expired         bool             `json:"expired"`
	ExpiringSoon    bool             `json:"expiring_soon"`
	DaysUntilExpiry int              `json:"days_until_expiry"` // -1, если срок не задан
}

// Engine вычисляет доступ к функциям по каталогу планов.
type Engine struct {
	catalog       *plancatalog.Catalog
	now           func() time.Time
	soonThreshold time.Duration
	log           *slog.Logger
}

// Option настраивает Engine.
type Option func(*Engine)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithExpiringSoonThreshold задаёт порог "скоро истекает".
func WithExpiringSoonThreshold(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.soonThreshold = d
		}
	}
}

// NewEngine создает новый экземпляр Engine.
func NewEngine(catalog *plancatalog.Catalog, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		catalog:       catalog,
		now:           time.Now,
		soonThreshold: DefaultExpiringSoonThreshold,
		log:           log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog возвращает каталог, по которому работает Engine.
func (e *Engine) Catalog() *plancatalog.Catalog {
	return e.catalog
}

// HasFeature сообщает, доступна ли пользователю функция.
//
// Проверка закрыта по умолчанию: false для неизвестного ключа,
// неактивного пользователя и истёкшего платного плана.
func (e *Engine) HasFeature(user *models.User, key string) bool {
	ok, err := e.CheckFeature(user, key)
	if errors.Is(err, plancatalog.ErrUnknownFeature) {
		e.log.Error("entitlement check for unregistered feature", slog.String("feature", key), sl.Err(err))
	}
	return ok
}

// CheckFeature: как HasFeature, но дополнительно возвращает причину отказа.
// Ответ false без ошибки означает, что эффективного плана недостаточно.
func (e *Engine) CheckFeature(user *models.User, key string) (bool, error) {
	required, err := e.catalog.MinimumPlanFor(key)
	if err != nil {
		metrics.EntitlementChecks.WithLabelValues("unknown").Inc()
		return false, err
	}
	if user == nil {
		metrics.EntitlementChecks.WithLabelValues("denied").Inc()
		return false, ErrNoUser
	}
	if !user.IsActive {
		metrics.EntitlementChecks.WithLabelValues("denied").Inc()
		return false, ErrInactiveUser
	}

	if e.EffectivePlan(user).Rank() < required.Rank() {
		metrics.EntitlementChecks.WithLabelValues("denied").Inc()
		return false, nil
	}
	metrics.EntitlementChecks.WithLabelValues("granted").Inc()
	return true, nil
}

// EffectivePlan возвращает план, по которому фактически выдаётся доступ:
// Free для неактивного пользователя, истёкшего или неизвестного плана.
// Поле Plan пользователя при этом не меняется.
func (e *Engine) EffectivePlan(user *models.User) plancatalog.Plan {
	if user == nil || !user.IsActive || !user.Plan.Valid() {
		return plancatalog.Free
	}
	if e.expired(user, e.now()) {
		return plancatalog.Free
	}
	return user.Plan
}

// PlanStatus возвращает состояние плана пользователя.
func (e *Engine) PlanStatus(user *models.User) Status {
	if user == nil {
		return Status{Plan: plancatalog.Free, EffectivePlan: plancatalog.Free, DaysUntilExpiry: -1}
	}
	now := e.now()
	st := Status{
		Plan:            user.Plan,
		EffectivePlan:   e.EffectivePlan(user),
		DaysUntilExpiry: -1,
	}
	if user.Plan == plancatalog.Free || user.PlanExpiry == nil {
		st.Valid = user.IsActive
		return st
	}

	remaining := user.PlanExpiry.Sub(now)
	st.Expired = e.expired(user, now)
	if st.Expired {
		st.DaysUntilExpiry = 0
	} else {
		st.DaysUntilExpiry = int(math.Ceil(remaining.Hours() / 24))
		st.ExpiringSoon = remaining < e.soonThreshold
	}
	st.Valid = user.IsActive && !st.Expired
	return st
}

// RecommendedUpgrade возвращает следующий по рангу план.
// Для Premium возвращается Premium.
func (e *Engine) RecommendedUpgrade(user *models.User) plancatalog.Plan {
	if user == nil || !user.Plan.Valid() {
		return plancatalog.Free.Next()
	}
	return user.Plan.Next()
}

// Features возвращает функции, доступные пользователю прямо сейчас.
func (e *Engine) Features(user *models.User) []string {
	if user == nil || !user.IsActive {
		return []string{}
	}
	return e.catalog.FeaturesFor(e.EffectivePlan(user))
}

// Explain возвращает короткое описание причины отказа для ответа клиенту.
func (e *Engine) Explain(user *models.User, key string) string {
	required, err := e.catalog.MinimumPlanFor(key)
	if err != nil {
		return fmt.Sprintf("feature %q is not available", key)
	}
	switch {
	case user == nil:
		return "authentication required"
	case !user.IsActive:
		return "account is inactive"
	case e.PlanStatus(user).Expired:
		return fmt.Sprintf("plan %s has expired, %s plan required", user.Plan.Title(), required.Title())
	default:
		return fmt.Sprintf("%s plan required", required.Title())
	}
}

// expired: план платный, срок задан и уже прошёл.
func (e *Engine) expired(user *models.User, now time.Time) bool {
	return user.Plan != plancatalog.Free && user.PlanExpiry != nil && user.PlanExpiry.Before(now)
}
