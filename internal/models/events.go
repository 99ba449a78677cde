package models

import (
	"time"

	"github.com/magabrotheeeer/habit-entitlements/internal/plancatalog"
)

// Источники изменения плана.
const (
	PlanSourcePayment   = "payment"
	PlanSourceDowngrade = "downgrade"
	PlanSourceGrant     = "grant"
)

// PaymentOutcomeEvent публикуется при завершении каждой платёжной попытки.
type PaymentOutcomeEvent struct {
	AttemptID        string    `json:"attempt_id"`
	UserUID          string    `json:"user_uid"`
	Phase            string    `json:"phase"`
	Reason           string    `json:"reason,omitempty"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	Amount           float64   `json:"amount"`
	FinishedAt       time.Time `json:"finished_at"`
}

// PlanChangedEvent публикуется после фиксации нового плана.
type PlanChangedEvent struct {
	UserUID    string           `json:"user_uid"`
	Plan       plancatalog.Plan `json:"plan"`
	PlanExpiry *time.Time       `json:"plan_expiry"`
	HasPaid    bool             `json:"has_paid"`
	Source     string           `json:"source"`
	ChangedAt  time.Time        `json:"changed_at"`
}

// PlanExpiringEvent публикуется планировщиком для планов,
// которые скоро истекут.
type PlanExpiringEvent struct {
	UserUID         string           `json:"user_uid"`
	Email           string           `json:"email"`
	Plan            plancatalog.Plan `json:"plan"`
	PlanExpiry      time.Time        `json:"plan_expiry"`
	DaysUntilExpiry int              `json:"days_until_expiry"`
}
