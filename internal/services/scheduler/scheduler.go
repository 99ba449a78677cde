// Package scheduler периодически ищет платные планы, которые скоро истекут,
// и публикует по ним события plan.expiring.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/magabrotheeeer/habit-entitlements/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/entitlement"
)

// UserLister находит планы, истекающие в заданном окне.
type UserLister interface {
	ListPlansExpiringBefore(ctx context.Context, now, before time.Time) ([]*models.User, error)
}

// StatusResolver вычисляет состояние плана.
type StatusResolver interface {
	PlanStatus(user *models.User) entitlement.Status
}

// EventPublisher отправляет события в брокер.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

// Marks запоминает, о каких планах уже отправлено уведомление.
type Marks interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Service: планировщик уведомлений об истечении плана.
type Service struct {
	users    UserLister
	plans    StatusResolver
	events   EventPublisher
	marks    Marks
	window   time.Duration
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewService создает новый экземпляр Service.
// window: за сколько до истечения отправлять уведомление.
func NewService(users UserLister, plans StatusResolver, events EventPublisher, marks Marks,
	window, interval time.Duration, log *slog.Logger) *Service {
	return &Service{
		users:    users,
		plans:    plans,
		events:   events,
		marks:    marks,
		window:   window,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run выполняет проверку сразу и затем каждые interval до отмены контекста.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Error("plan expiry check failed", sl.Err(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("plan expiry check failed", sl.Err(err))
			}
		}
	}
}

// RunOnce выполняет одну проверку и возвращает число отправленных уведомлений.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	const op = "scheduler.RunOnce"

	now := s.now()
	users, err := s.users.ListPlansExpiringBefore(ctx, now, now.Add(s.window))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if len(users) == 0 {
		s.log.Info("no expiring plans found")
		return 0, nil
	}
	s.log.Info("found expiring plans", slog.Int("count", len(users)))

	sent := 0
	for _, u := range users {
		st := s.plans.PlanStatus(u)
		if !st.ExpiringSoon || u.PlanExpiry == nil {
			continue
		}
		key := markKey(u)
		seen, err := s.marks.Exists(ctx, key)
		if err != nil {
			s.log.Warn("failed to check notification mark", slog.String("uid", u.UUID), sl.Err(err))
		}
		if seen {
			continue
		}

		event := models.PlanExpiringEvent{
			UserUID:         u.UUID,
			Email:           u.Email,
			Plan:            u.Plan,
			PlanExpiry:      *u.PlanExpiry,
			DaysUntilExpiry: st.DaysUntilExpiry,
		}
		if err := s.events.Publish(ctx, rabbitmq.KeyPlanExpiring, event); err != nil {
			s.log.Error("failed to publish message", slog.String("uid", u.UUID), sl.Err(err))
			continue
		}
		sent++
		if err := s.marks.Set(ctx, key, true, u.PlanExpiry.Sub(now)+time.Hour); err != nil {
			s.log.Warn("failed to store notification mark", slog.String("uid", u.UUID), sl.Err(err))
		}
	}
	return sent, nil
}

// markKey привязан к сроку плана: продление даёт новое уведомление.
func markKey(u *models.User) string {
	return "plan:expiring:" + u.UUID + ":" + strconv.FormatInt(u.PlanExpiry.Unix(), 10)
}
