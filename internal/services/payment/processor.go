// Package payment проводит платёжную попытку через фиксированную
// последовательность фаз по обратным вызовам внешнего платёжного шлюза.
//
// Счастливый путь строго линейный:
//
//	idle -> creating -> approving -> waiting -> completing -> success
//
// Из approving и waiting возможна отмена (cancelled), из любой
// незавершённой фазы, ошибка (error). Обратный вызов, пришедший не в той
// фазе, игнорируется. Автоматических повторов нет: повтор, решение
// вызывающей стороны.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/metrics"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
)

const (
	// DefaultCallTimeout ограничивает один вызов approve/complete к шлюзу.
	DefaultCallTimeout = 20 * time.Second
	// DefaultSettledRetention: сколько помнить успешно завершённые платежи.
	DefaultSettledRetention = time.Hour
)

// CreateRequest: запрос на создание платежа у шлюза.
type CreateRequest struct {
	AttemptID string
	IntentKey string
	Params    models.PaymentParams
}

// Gateway описывает внешний платёжный шлюз.
//
// После CreatePayment шлюз сам присылает обратные вызовы, которые
// передаются в Processor через методы On*.
type Gateway interface {
	// CreatePayment отправляет шлюзу запрос на платёж.
	CreatePayment(ctx context.Context, req CreateRequest) error
	// Approve подтверждает платёж на стороне сервера.
	Approve(ctx context.Context, paymentID string) error
	// Complete помечает транзакцию завершённой.
	Complete(ctx context.Context, paymentID, txID string) error
}

// OutcomeListener получает итог каждой завершённой попытки ровно один раз.
type OutcomeListener interface {
	PaymentFinished(ctx context.Context, outcome Outcome)
}

// Config: настройки Processor.
type Config struct {
	// WaitingTimeout: сколько попытка может находиться в waiting.
	// Ноль отключает ограничение.
	WaitingTimeout time.Duration
	// CallTimeout ограничивает один вызов к шлюзу.
	CallTimeout time.Duration
	// SettledRetention: сколько после успеха повторное завершение
	// с тем же txID распознаётся как дубль.
	SettledRetention time.Duration
}

// settledPayment: успешно завершённый платёж, уже отброшенный из byPayment.
type settledPayment struct {
	txID string
	at   time.Time
}

// Processor владеет всеми активными попытками.
// На одно намерение покупки приходится не больше одной незавершённой попытки.
type Processor struct {
	gateway   Gateway
	log       *slog.Logger
	cfg       Config
	now       func() time.Time
	newID     func() string
	listeners []OutcomeListener

	mu        sync.Mutex
	byIntent  map[string]*Attempt
	byID      map[string]*Attempt
	byPayment map[string]*Attempt
	settled   map[string]settledPayment
}

// Option настраивает Processor.
type Option func(*Processor)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// WithIDGenerator подменяет генератор идентификаторов попыток.
func WithIDGenerator(gen func() string) Option {
	return func(p *Processor) {
		p.newID = gen
	}
}

// WithListener добавляет получателя итогов.
func WithListener(l OutcomeListener) Option {
	return func(p *Processor) {
		p.listeners = append(p.listeners, l)
	}
}

// NewProcessor создает новый экземпляр Processor.
func NewProcessor(gateway Gateway, cfg Config, log *slog.Logger, opts ...Option) *Processor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.SettledRetention <= 0 {
		cfg.SettledRetention = DefaultSettledRetention
	}
	p := &Processor{
		gateway:   gateway,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		byIntent:  make(map[string]*Attempt),
		byID:      make(map[string]*Attempt),
		byPayment: make(map[string]*Attempt),
		settled:   make(map[string]settledPayment),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start запускает новую попытку для намерения intentKey.
//
// Если у намерения уже есть незавершённая попытка, возвращается
// ErrAttemptAlreadyInProgress, и состояние не меняется. Ошибка создания
// платежа у шлюза не возвращается отсюда: попытка переходит в error,
// и итог доступен через Wait.
func (p *Processor) Start(ctx context.Context, intentKey string, params models.PaymentParams) (*Attempt, error) {
	const op = "payment.Start"

	p.mu.Lock()
	if cur, ok := p.byIntent[intentKey]; ok && !cur.Phase().Terminal() {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrAttemptAlreadyInProgress)
	}
	a := newAttempt(p.newID(), intentKey, params, p.now())
	a.mu.Lock()
	a.advanceLocked(PhaseIdle, PhaseCreating)
	a.mu.Unlock()
	p.byIntent[intentKey] = a
	p.byID[a.id] = a
	p.mu.Unlock()

	metrics.PaymentAttemptsActive.Inc()
	metrics.PaymentTransitions.WithLabelValues(string(PhaseCreating)).Inc()

	log := p.log.With(sl.Op(op), slog.String("attempt_id", a.id), slog.String("intent", intentKey))
	log.Info("payment attempt started", slog.Float64("amount", params.Amount))

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	err := p.gateway.CreatePayment(callCtx, CreateRequest{
		AttemptID: a.id,
		IntentKey: intentKey,
		Params:    a.params.Clone(),
	})
	if err != nil {
		log.Error("gateway rejected payment creation", sl.Err(err))
		p.terminate(ctx, a, PhaseCreating, PhaseError, ReasonCreateFailed, err)
	}
	return a, nil
}

// OnReadyForServerApproval обрабатывает обратный вызов "готов к подтверждению":
// creating -> approving, затем вызов Approve у шлюза.
func (p *Processor) OnReadyForServerApproval(ctx context.Context, attemptID, paymentID string) error {
	const op = "payment.OnReadyForServerApproval"
	log := p.log.With(sl.Op(op), slog.String("attempt_id", attemptID), slog.String("payment_id", paymentID))

	a := p.lookup(attemptID, "")
	if a == nil {
		log.Warn("approval callback for unknown attempt")
		return fmt.Errorf("%s: %w", op, ErrAttemptNotFound)
	}

	// Привязка paymentID делается под обоими замками, чтобы отмена
	// по paymentID не могла проскочить между переходом и привязкой.
	p.mu.Lock()
	a.mu.Lock()
	if !a.advanceLocked(PhaseCreating, PhaseApproving) {
		phase := a.phase
		a.mu.Unlock()
		p.mu.Unlock()
		log.Warn("approval callback ignored", slog.String("phase", string(phase)))
		return nil
	}
	a.paymentID = paymentID
	p.byPayment[paymentID] = a
	a.mu.Unlock()
	p.mu.Unlock()
	metrics.PaymentTransitions.WithLabelValues(string(PhaseApproving)).Inc()

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	if err := p.gateway.Approve(callCtx, paymentID); err != nil {
		log.Error("server approval failed", sl.Err(err))
		p.terminate(ctx, a, PhaseApproving, PhaseError, ReasonApprovalFailed, err)
		return nil
	}

	a.mu.Lock()
	if !a.advanceLocked(PhaseApproving, PhaseWaiting) {
		phase := a.phase
		a.mu.Unlock()
		log.Info("approval resolved after attempt left approving", slog.String("phase", string(phase)))
		return nil
	}
	if p.cfg.WaitingTimeout > 0 {
		a.timer = time.AfterFunc(p.cfg.WaitingTimeout, func() {
			p.log.Warn("payment attempt timed out in waiting", slog.String("attempt_id", a.id))
			p.terminate(context.Background(), a, PhaseWaiting, PhaseError, ReasonTimeout, nil)
		})
	}
	a.mu.Unlock()
	metrics.PaymentTransitions.WithLabelValues(string(PhaseWaiting)).Inc()

	log.Info("payment approved, waiting for payer confirmation")
	return nil
}

// OnReadyForServerCompletion обрабатывает обратный вызов "готов к завершению":
// waiting -> completing, затем вызов Complete у шлюза.
// Повторный вызов для того же txID ничего не делает, в том числе
// после успеха, пока платёж помнится в течение SettledRetention.
func (p *Processor) OnReadyForServerCompletion(ctx context.Context, paymentID, txID string) error {
	const op = "payment.OnReadyForServerCompletion"
	log := p.log.With(sl.Op(op), slog.String("payment_id", paymentID), slog.String("tx_id", txID))

	a := p.lookup("", paymentID)
	if a == nil {
		if p.settledWith(paymentID, txID) {
			log.Info("duplicate completion callback for settled payment ignored")
			return nil
		}
		log.Warn("completion callback for unknown or finished attempt")
		return fmt.Errorf("%s: %w", op, ErrAttemptNotFound)
	}

	a.mu.Lock()
	if !a.advanceLocked(PhaseWaiting, PhaseCompleting) {
		phase, seen := a.phase, a.txID
		a.mu.Unlock()
		if seen == txID {
			log.Info("duplicate completion callback ignored", slog.String("phase", string(phase)))
		} else {
			log.Warn("completion callback ignored", slog.String("phase", string(phase)))
		}
		return nil
	}
	a.txID = txID
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	metrics.PaymentTransitions.WithLabelValues(string(PhaseCompleting)).Inc()

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	if err := p.gateway.Complete(callCtx, paymentID, txID); err != nil {
		log.Error("server completion failed", sl.Err(err))
		p.terminate(ctx, a, PhaseCompleting, PhaseError, ReasonCompletionFailed, err)
		return nil
	}

	if p.terminate(ctx, a, PhaseCompleting, PhaseSuccess, ReasonNone, nil) {
		log.Info("payment completed")
	}
	return nil
}

// OnCancel обрабатывает отмену плательщиком: approving|waiting -> cancelled.
func (p *Processor) OnCancel(ctx context.Context, paymentID string) error {
	const op = "payment.OnCancel"
	log := p.log.With(sl.Op(op), slog.String("payment_id", paymentID))

	a := p.lookup("", paymentID)
	if a == nil {
		log.Warn("cancel callback for unknown or finished attempt")
		return fmt.Errorf("%s: %w", op, ErrAttemptNotFound)
	}

	for _, from := range []Phase{PhaseApproving, PhaseWaiting} {
		if p.terminate(ctx, a, from, PhaseCancelled, ReasonNone, nil) {
			log.Info("payment cancelled by payer", slog.String("from", string(from)))
			return nil
		}
	}
	log.Warn("cancel callback ignored", slog.String("phase", string(a.Phase())))
	return nil
}

// OnError обрабатывает ошибку, о которой шлюз сообщил вне основного потока.
// Попытка ищется по paymentID, а если он ещё не выдан, по attemptID.
func (p *Processor) OnError(ctx context.Context, attemptID, paymentID string, cause error) error {
	const op = "payment.OnError"
	log := p.log.With(sl.Op(op), slog.String("attempt_id", attemptID), slog.String("payment_id", paymentID))

	a := p.lookup(attemptID, paymentID)
	if a == nil {
		log.Warn("error callback for unknown or finished attempt", sl.Err(cause))
		return fmt.Errorf("%s: %w", op, ErrAttemptNotFound)
	}

	for _, from := range []Phase{PhaseCreating, PhaseApproving, PhaseWaiting, PhaseCompleting} {
		if p.terminate(ctx, a, from, PhaseError, ReasonGatewayError, cause) {
			log.Error("payment failed on gateway side", sl.Err(cause), slog.String("from", string(from)))
			return nil
		}
	}
	log.Warn("error callback ignored", slog.String("phase", string(a.Phase())))
	return nil
}

// Lookup возвращает снимок активной попытки.
func (p *Processor) Lookup(attemptID string) (View, error) {
	a := p.lookup(attemptID, "")
	if a == nil {
		return View{}, ErrAttemptNotFound
	}
	return a.Snapshot(), nil
}

// Active возвращает активную попытку намерения, если она есть.
func (p *Processor) Active(intentKey string) (*Attempt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byIntent[intentKey]
	return a, ok
}

// terminate переводит попытку из from в конечную фазу to.
// Возвращает false, если попытка уже не в фазе from.
func (p *Processor) terminate(ctx context.Context, a *Attempt, from, to Phase, reason Reason, cause error) bool {
	a.mu.Lock()
	if !a.advanceLocked(from, to) {
		a.mu.Unlock()
		return false
	}
	outcome := a.finishLocked(reason, cause, p.now())
	a.mu.Unlock()

	metrics.PaymentTransitions.WithLabelValues(string(to)).Inc()
	metrics.PaymentAttemptsActive.Dec()
	p.release(a, outcome)

	for _, l := range p.listeners {
		l.PaymentFinished(context.WithoutCancel(ctx), outcome)
	}
	return true
}

// release отбрасывает завершённую попытку: намерение сразу может начать новую.
func (p *Processor) release(a *Attempt, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byIntent[a.intentKey] == a {
		delete(p.byIntent, a.intentKey)
	}
	if p.byID[a.id] == a {
		delete(p.byID, a.id)
	}
	if id := outcome.GatewayPaymentID; id != "" && p.byPayment[id] == a {
		delete(p.byPayment, id)
	}

	now := p.now()
	for id, s := range p.settled {
		if now.Sub(s.at) > p.cfg.SettledRetention {
			delete(p.settled, id)
		}
	}
	if outcome.Succeeded() && outcome.GatewayPaymentID != "" {
		p.settled[outcome.GatewayPaymentID] = settledPayment{txID: outcome.GatewayTxID, at: now}
	}
}

// settledWith сообщает, что платёж paymentID недавно успешно завершён с txID.
func (p *Processor) settledWith(paymentID, txID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.settled[paymentID]
	if !ok {
		return false
	}
	if p.now().Sub(s.at) > p.cfg.SettledRetention {
		delete(p.settled, paymentID)
		return false
	}
	return s.txID == txID
}

func (p *Processor) lookup(attemptID, paymentID string) *Attempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	if paymentID != "" {
		if a, ok := p.byPayment[paymentID]; ok {
			return a
		}
	}
	if attemptID != "" {
		if a, ok := p.byID[attemptID]; ok {
			return a
		}
	}
	return nil
}

// callContext отвязывает вызов шлюза от отмены входящего запроса.
func (p *Processor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CallTimeout)
}
