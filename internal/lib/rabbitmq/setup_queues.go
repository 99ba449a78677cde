package rabbitmq

// Exchange: обменник событий сервиса.
const Exchange = "entitlements"

// Ключи маршрутизации событий.
const (
	KeyPaymentOutcome = "payment.outcome"
	KeyPlanChanged    = "plan.changed"
	KeyPlanExpiring   = "plan.expiring"
)

// QueueConfig описывает очередь и её привязку к обменнику.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// GetEventQueues возвращает очереди, которые объявляет сервис.
func GetEventQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: "entitlements.payment_outcome", RoutingKey: KeyPaymentOutcome},
		{QueueName: "entitlements.plan_changed", RoutingKey: KeyPlanChanged},
		{QueueName: "entitlements.plan_expiring", RoutingKey: KeyPlanExpiring},
	}
}

// QueueFor возвращает имя очереди для ключа маршрутизации.
func QueueFor(routingKey string) (string, bool) {
	for _, q := range GetEventQueues() {
		if q.RoutingKey == routingKey {
			return q.QueueName, true
		}
	}
	return "", false
}
