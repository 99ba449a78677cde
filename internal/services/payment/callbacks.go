package payment

import (
	"context"
	"errors"
	"fmt"
)

// Event: тип обратного вызова платёжного шлюза.
type Event string

const (
	EventReadyForServerApproval   Event = "ready_for_server_approval"
	EventReadyForServerCompletion Event = "ready_for_server_completion"
	EventCancelled                Event = "cancelled"
	EventError                    Event = "error"
)

var (
	// ErrUnknownEvent: шлюз прислал неизвестный тип события.
	ErrUnknownEvent = errors.New("unknown gateway event")
	// ErrInvalidCallback: в обратном вызове не хватает идентификаторов.
	ErrInvalidCallback = errors.New("invalid gateway callback")
)

// Callback: тело вебхука платёжного шлюза.
type Callback struct {
	Event     Event  `json:"event" validate:"required"`
	AttemptID string `json:"attempt_id,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
	TxID      string `json:"tx_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Dispatch передаёт обратный вызов соответствующему обработчику.
func (p *Processor) Dispatch(ctx context.Context, cb Callback) error {
	const op = "payment.Dispatch"

	var err error
	switch cb.Event {
	case EventReadyForServerApproval:
		if cb.AttemptID == "" || cb.PaymentID == "" {
			return fmt.Errorf("%s: %w: attempt_id and payment_id are required", op, ErrInvalidCallback)
		}
		err = p.OnReadyForServerApproval(ctx, cb.AttemptID, cb.PaymentID)
	case EventReadyForServerCompletion:
		if cb.PaymentID == "" || cb.TxID == "" {
			return fmt.Errorf("%s: %w: payment_id and tx_id are required", op, ErrInvalidCallback)
		}
		err = p.OnReadyForServerCompletion(ctx, cb.PaymentID, cb.TxID)
	case EventCancelled:
		if cb.PaymentID == "" {
			return fmt.Errorf("%s: %w: payment_id is required", op, ErrInvalidCallback)
		}
		err = p.OnCancel(ctx, cb.PaymentID)
	case EventError:
		if cb.AttemptID == "" && cb.PaymentID == "" {
			return fmt.Errorf("%s: %w: attempt_id or payment_id is required", op, ErrInvalidCallback)
		}
		msg := cb.Error
		if msg == "" {
			msg = "unspecified gateway error"
		}
		err = p.OnError(ctx, cb.AttemptID, cb.PaymentID, errors.New(msg))
	default:
		return fmt.Errorf("%s: %w: %q", op, ErrUnknownEvent, cb.Event)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
