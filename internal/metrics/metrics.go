// Package metrics содержит счётчики prometheus для проверок доступа,
// платёжных попыток и изменений плана. Метрики регистрируются в
// стандартном реестре и отдаются обработчиком promhttp на /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntitlementChecks считает проверки доступа к функциям по результату.
	EntitlementChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habit",
		Subsystem: "entitlement",
		Name:      "checks_total",
		Help:      "Feature access checks by result.",
	}, []string{"result"})

	// PaymentTransitions считает переходы платёжных попыток по целевой фазе.
	PaymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habit",
		Subsystem: "payment",
		Name:      "transitions_total",
		Help:      "Payment attempt phase transitions by target phase.",
	}, []string{"phase"})

	// PaymentAttemptsActive показывает число незавершённых попыток.
	PaymentAttemptsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "habit",
		Subsystem: "payment",
		Name:      "attempts_active",
		Help:      "Payment attempts that have not reached a terminal phase.",
	})

	// PlanCommits считает изменения плана по источнику: payment, downgrade, grant.
	PlanCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habit",
		Subsystem: "upgrade",
		Name:      "plan_commits_total",
		Help:      "Committed plan changes by source and plan.",
	}, []string{"source", "plan"})
)
