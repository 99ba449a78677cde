// Package upgrade связывает платёжную попытку с изменением плана.
//
// План меняется только после того, как попытка дошла до success:
// отмена или ошибка платежа не трогают запись пользователя.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/magabrotheeeer/habit-entitlements/internal/cache"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/metrics"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/payment"
)

// DefaultRenewalPeriod: срок действия плана после успешной оплаты.
const DefaultRenewalPeriod = 30 * 24 * time.Hour

// DefaultOutcomeTTL: сколько итог попытки доступен для опроса.
const DefaultOutcomeTTL = 24 * time.Hour

var (
	// ErrInvalidTarget: целевой план неизвестен или ниже текущего.
	ErrInvalidTarget = errors.New("invalid upgrade target")
	// ErrInactiveUser: деактивированный пользователь не может покупать планы.
	ErrInactiveUser = errors.New("user is inactive")
	// ErrNoUser: пользователь не передан.
	ErrNoUser = errors.New("no user")
	// ErrCommitFailed: платёж прошёл, но запись пользователя не обновилась.
	ErrCommitFailed = errors.New("plan commit failed")
)

// Payments запускает платёжные попытки.
type Payments interface {
	Start(ctx context.Context, intentKey string, params models.PaymentParams) (*payment.Attempt, error)
	Lookup(attemptID string) (payment.View, error)
}

// UserStore обновляет поля плана пользователя.
type UserStore interface {
	UpdateUser(ctx context.Context, userUID string, patch models.UserPatch) (*models.User, error)
}

// PlanResolver вычисляет план, по которому пользователь сейчас получает доступ.
type PlanResolver interface {
	EffectivePlan(user *models.User) plancatalog.Plan
}

// SessionPublisher рассылает обновлённую запись открытым сессиям.
type SessionPublisher interface {
	Publish(user models.User)
}

// EventPublisher отправляет события в брокер.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

// OutcomeStore хранит итоги попыток после того, как Processor их отбросил.
type OutcomeStore interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Get(ctx context.Context, key string, result any) (bool, error)
}

// Result: итог апгрейда.
type Result struct {
	AttemptID string           `json:"attempt_id,omitempty"`
	UserUID   string           `json:"user_uid"`
	Target    plancatalog.Plan `json:"target"`
	Outcome   payment.Outcome  `json:"outcome"`
	User      *models.User     `json:"user,omitempty"`
	Committed bool             `json:"committed"`
	Err       error            `json:"-"`
}

// Pending: апгрейд, ожидающий завершения платежа.
type Pending struct {
	AttemptID string
	done      chan struct{}
	once      sync.Once
	result    Result
}

// NewPending создаёт незавершённый апгрейд и функцию, фиксирующую его итог.
// Повторные вызовы resolve игнорируются.
func NewPending(attemptID string) (*Pending, func(Result)) {
	p := &Pending{AttemptID: attemptID, done: make(chan struct{})}
	return p, func(res Result) {
		p.once.Do(func() {
			p.result = res
			close(p.done)
		})
	}
}

// Settled возвращает уже завершённый апгрейд.
func Settled(res Result) *Pending {
	p, resolve := NewPending(res.AttemptID)
	resolve(res)
	return p
}

// Done закрывается, когда итог известен.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait блокируется до итога апгрейда или отмены контекста.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, p.result.Err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("upgrade.Wait: %w", ctx.Err())
	}
}

// Config: настройки Coordinator.
type Config struct {
	RenewalPeriod time.Duration
	OutcomeTTL    time.Duration
}

// Coordinator фиксирует план пользователя по итогам платежа.
type Coordinator struct {
	payments Payments
	users    UserStore
	plans    PlanResolver
	sessions SessionPublisher
	events   EventPublisher
	outcomes OutcomeStore
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator создает новый экземпляр Coordinator.
func NewCoordinator(
	payments Payments,
	users UserStore,
	plans PlanResolver,
	sessions SessionPublisher,
	events EventPublisher,
	outcomes OutcomeStore,
	cfg Config,
	log *slog.Logger,
	opts ...Option,
) *Coordinator {
	if cfg.RenewalPeriod <= 0 {
		cfg.RenewalPeriod = DefaultRenewalPeriod
	}
	if cfg.OutcomeTTL <= 0 {
		cfg.OutcomeTTL = DefaultOutcomeTTL
	}
	c := &Coordinator{
		payments: payments,
		users:    users,
		plans:    plans,
		sessions: sessions,
		events:   events,
		outcomes: outcomes,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upgrade запускает апгрейд и ждёт его итога.
func (c *Coordinator) Upgrade(ctx context.Context, user *models.User, target plancatalog.Plan, params models.PaymentParams) (Result, error) {
	p, err := c.Begin(ctx, user, target, params)
	if err != nil {
		return Result{}, err
	}
	return p.Wait(ctx)
}

// Begin проверяет цель и запускает платёж. Переход на Free фиксируется
// сразу и без оплаты, в том числе для неактивного пользователя:
// возвращённый Pending уже завершён.
func (c *Coordinator) Begin(ctx context.Context, user *models.User, target plancatalog.Plan, params models.PaymentParams) (*Pending, error) {
	const op = "upgrade.Begin"

	if user == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoUser)
	}
	if !target.Valid() {
		return nil, fmt.Errorf("%s: %w: %q", op, ErrInvalidTarget, target)
	}
	log := c.log.With(sl.Op(op), slog.String("uid", user.UUID), slog.String("target", string(target)))

	if target == plancatalog.Free {
		free := plancatalog.Free
		updated, err := c.commit(ctx, user.UUID, models.UserPatch{Plan: &free, ClearExpiry: true}, models.PlanSourceDowngrade)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		log.Info("downgraded to free")
		return Settled(Result{UserUID: user.UUID, Target: target, User: updated, Committed: true}), nil
	}

	if !user.IsActive {
		return nil, fmt.Errorf("%s: %w", op, ErrInactiveUser)
	}
	if effective := c.plans.EffectivePlan(user); target.Rank() < effective.Rank() {
		return nil, fmt.Errorf("%s: %w: %s is below current plan %s", op, ErrInvalidTarget, target, effective)
	}

	params = params.Clone()
	if params.Metadata == nil {
		params.Metadata = make(map[string]string)
	}
	params.Metadata["plan"] = string(target)
	params.Metadata["user_uid"] = user.UUID

	attempt, err := c.payments.Start(ctx, user.UUID, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	log.Info("upgrade payment started", slog.String("attempt_id", attempt.ID()))

	p, resolve := NewPending(attempt.ID())
	go c.settle(context.WithoutCancel(ctx), resolve, attempt, user.UUID, target)
	return p, nil
}

// GrantPlanAdministratively выставляет план без оплаты. HasPaid не меняется.
// expiry == nil означает бессрочный план.
func (c *Coordinator) GrantPlanAdministratively(ctx context.Context, user *models.User, plan plancatalog.Plan, expiry *time.Time) (*models.User, error) {
	const op = "upgrade.GrantPlanAdministratively"

	if user == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoUser)
	}
	if !plan.Valid() {
		return nil, fmt.Errorf("%s: %w: %q", op, ErrInvalidTarget, plan)
	}
	patch := models.UserPatch{Plan: &plan}
	if expiry == nil || plan == plancatalog.Free {
		patch.ClearExpiry = true
	} else {
		t := *expiry
		patch.PlanExpiry = &t
	}
	updated, err := c.commit(ctx, user.UUID, patch, models.PlanSourceGrant)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.log.Info("plan granted administratively", slog.String("uid", user.UUID), slog.String("plan", string(plan)))
	return updated, nil
}

// Status возвращает снимок незавершённой попытки либо сохранённый итог
// завершённой. Заполнено ровно одно из двух значений.
func (c *Coordinator) Status(ctx context.Context, attemptID string) (*Result, *payment.View, error) {
	const op = "upgrade.Status"

	if view, err := c.payments.Lookup(attemptID); err == nil {
		return nil, &view, nil
	}
	var res Result
	found, err := c.outcomes.Get(ctx, cache.OutcomeKey(attemptID), &res)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	if !found {
		return nil, nil, fmt.Errorf("%s: %w", op, payment.ErrAttemptNotFound)
	}
	return &res, nil, nil
}

// settle ждёт конечной фазы попытки и фиксирует план только при success.
func (c *Coordinator) settle(ctx context.Context, resolve func(Result), attempt *payment.Attempt, userUID string, target plancatalog.Plan) {
	const op = "upgrade.settle"
	log := c.log.With(sl.Op(op), slog.String("attempt_id", attempt.ID()), slog.String("uid", userUID))

	outcome, err := attempt.Wait(ctx)
	res := Result{AttemptID: attempt.ID(), UserUID: userUID, Target: target, Outcome: outcome}
	if err != nil {
		res.Err = err
		resolve(res)
		return
	}

	if outcome.Succeeded() {
		paid := true
		expiry := c.now().Add(c.cfg.RenewalPeriod)
		updated, err := c.commit(ctx, userUID, models.UserPatch{Plan: &target, PlanExpiry: &expiry, HasPaid: &paid}, models.PlanSourcePayment)
		if err != nil {
			log.Error("payment succeeded but plan was not committed", sl.Err(err))
			res.Err = fmt.Errorf("%s: %w: %w", op, ErrCommitFailed, err)
		} else {
			res.User = updated
			res.Committed = true
		}
	} else {
		log.Info("upgrade finished without commit", slog.String("phase", string(outcome.Phase)), slog.String("reason", string(outcome.Reason)))
		res.Err = outcome.Err
	}

	if err := c.outcomes.Set(ctx, cache.OutcomeKey(attempt.ID()), res, c.cfg.OutcomeTTL); err != nil {
		log.Warn("failed to cache upgrade outcome", sl.Err(err))
	}
	resolve(res)
}

// commit записывает патч, рассылает запись сессиям и публикует plan.changed.
func (c *Coordinator) commit(ctx context.Context, userUID string, patch models.UserPatch, source string) (*models.User, error) {
	updated, err := c.users.UpdateUser(ctx, userUID, patch)
	if err != nil {
		return nil, err
	}
	metrics.PlanCommits.WithLabelValues(source, string(updated.Plan)).Inc()
	c.sessions.Publish(*updated)

	event := models.PlanChangedEvent{
		UserUID:    updated.UUID,
		Plan:       updated.Plan,
		PlanExpiry: updated.PlanExpiry,
		HasPaid:    updated.HasPaid,
		Source:     source,
		ChangedAt:  c.now(),
	}
	if err := c.events.Publish(ctx, rabbitmq.KeyPlanChanged, event); err != nil {
		c.log.Warn("failed to publish plan change", slog.String("uid", userUID), sl.Err(err))
	}
	return updated, nil
}

// OutcomeEvents публикует итог каждой платёжной попытки в брокер.
type OutcomeEvents struct {
	events EventPublisher
	log    *slog.Logger
}

// NewOutcomeEvents создает новый экземпляр OutcomeEvents.
func NewOutcomeEvents(events EventPublisher, log *slog.Logger) *OutcomeEvents {
	return &OutcomeEvents{events: events, log: log}
}

// PaymentFinished реализует payment.OutcomeListener.
func (o *OutcomeEvents) PaymentFinished(ctx context.Context, outcome payment.Outcome) {
	event := models.PaymentOutcomeEvent{
		AttemptID:        outcome.AttemptID,
		UserUID:          outcome.IntentKey,
		Phase:            string(outcome.Phase),
		Reason:           string(outcome.Reason),
		GatewayPaymentID: outcome.GatewayPaymentID,
		Amount:           outcome.Amount,
		FinishedAt:       outcome.FinishedAt,
	}
	if err := o.events.Publish(ctx, rabbitmq.KeyPaymentOutcome, event); err != nil {
		o.log.Warn("failed to publish payment outcome", slog.String("attempt_id", outcome.AttemptID), sl.Err(err))
	}
}
