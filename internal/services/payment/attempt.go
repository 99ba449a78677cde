package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/magabrotheeeer/habit-entitlements/internal/models"
)

// Outcome: итог завершённой попытки. Только он переживает саму попытку.
type Outcome struct {
	AttemptID        string    `json:"attempt_id"`
	IntentKey        string    `json:"intent_key"`
	Phase            Phase     `json:"phase"`
	Reason           Reason    `json:"reason,omitempty"`
	Message          string    `json:"message,omitempty"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	GatewayTxID      string    `json:"gateway_tx_id,omitempty"`
	Amount           float64   `json:"amount"`
	FinishedAt       time.Time `json:"finished_at"`
	Err              error     `json:"-"`
}

// Succeeded сообщает, что попытка завершилась успехом.
func (o Outcome) Succeeded() bool {
	return o.Phase == PhaseSuccess
}

// View: снимок состояния попытки для чтения.
type View struct {
	AttemptID        string    `json:"attempt_id"`
	IntentKey        string    `json:"intent_key"`
	Phase            Phase     `json:"phase"`
	Reason           Reason    `json:"reason,omitempty"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	GatewayTxID      string    `json:"gateway_tx_id,omitempty"`
	StartedAt        time.Time `json:"started_at"`
}

// Attempt: одна попытка оплаты для одного намерения покупки.
// Попыткой владеет Processor; снаружи доступны только снимок и итог.
type Attempt struct {
	id        string
	intentKey string
	params    models.PaymentParams
	startedAt time.Time

	mu        sync.Mutex
	phase     Phase
	paymentID string
	txID      string
	reason    Reason
	timer     *time.Timer
	outcome   Outcome
	done      chan struct{}
}

func newAttempt(id, intentKey string, params models.PaymentParams, now time.Time) *Attempt {
	return &Attempt{
		id:        id,
		intentKey: intentKey,
		params:    params.Clone(),
		startedAt: now,
		phase:     PhaseIdle,
		done:      make(chan struct{}),
	}
}

// ID возвращает идентификатор попытки.
func (a *Attempt) ID() string {
	return a.id
}

// Phase возвращает текущую фазу.
func (a *Attempt) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Snapshot возвращает снимок текущего состояния.
func (a *Attempt) Snapshot() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return View{
		AttemptID:        a.id,
		IntentKey:        a.intentKey,
		Phase:            a.phase,
		Reason:           a.reason,
		GatewayPaymentID: a.paymentID,
		GatewayTxID:      a.txID,
		StartedAt:        a.startedAt,
	}
}

// Done возвращает канал, который закрывается при переходе в конечную фазу.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait блокируется до конечной фазы или отмены контекста.
func (a *Attempt) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-a.done:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.outcome, nil
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("payment.Wait: %w", ctx.Err())
	}
}

// advanceLocked выполняет переход from -> to. Вызывается под a.mu.
// Возвращает false и ничего не меняет, если попытка не в фазе from
// или переход не разрешён таблицей.
func (a *Attempt) advanceLocked(from, to Phase) bool {
	if a.phase != from || !CanTransition(from, to) {
		return false
	}
	a.phase = to
	return true
}

// finishLocked фиксирует итог конечной фазы. Вызывается под a.mu
// сразу после успешного advanceLocked в конечную фазу.
func (a *Attempt) finishLocked(reason Reason, cause error, now time.Time) Outcome {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.reason = reason
	var err error
	if base, ok := reasonErrors[reason]; ok {
		err = base
		if cause != nil {
			err = fmt.Errorf("%w: %v", base, cause)
		}
	}
	a.outcome = Outcome{
		AttemptID:        a.id,
		IntentKey:        a.intentKey,
		Phase:            a.phase,
		Reason:           reason,
		GatewayPaymentID: a.paymentID,
		GatewayTxID:      a.txID,
		Amount:           a.params.Amount,
		FinishedAt:       now,
		Err:              err,
	}
	if err != nil {
		a.outcome.Message = err.Error()
	}
	close(a.done)
	return a.outcome
}
