package payment

import "errors"

// Phase: фаза платёжной попытки.
type Phase string

const (
	// PhaseIdle: попытка создана, но ещё не отправлена шлюзу.
	PhaseIdle Phase = "idle"
	// PhaseCreating: запрос отправлен шлюзу, ждём готовности к подтверждению.
	PhaseCreating Phase = "creating"
	// PhaseApproving: шлюз выдал payment id, идёт серверное подтверждение.
	PhaseApproving Phase = "approving"
	// PhaseWaiting: подтверждение прошло, плательщик завершает авторизацию.
	PhaseWaiting Phase = "waiting"
	// PhaseCompleting: шлюз выдал tx id, идёт серверное завершение.
	PhaseCompleting Phase = "completing"
	// PhaseSuccess: платёж завершён. Конечная фаза.
	PhaseSuccess Phase = "success"
	// PhaseCancelled: плательщик отменил платёж. Конечная фаза.
	PhaseCancelled Phase = "cancelled"
	// PhaseError: шаг завершился ошибкой. Конечная фаза, несёт причину.
	PhaseError Phase = "error"
)

// transitions: единственная таблица допустимых переходов.
// Все переходы однонаправленные, ни одна фаза не посещается повторно.
var transitions = map[Phase]map[Phase]bool{
	PhaseIdle:       {PhaseCreating: true},
	PhaseCreating:   {PhaseApproving: true, PhaseError: true},
	PhaseApproving:  {PhaseWaiting: true, PhaseCancelled: true, PhaseError: true},
	PhaseWaiting:    {PhaseCompleting: true, PhaseCancelled: true, PhaseError: true},
	PhaseCompleting: {PhaseSuccess: true, PhaseError: true},
}

// Terminal сообщает, что из фазы нет исходящих переходов.
func (p Phase) Terminal() bool {
	return len(transitions[p]) == 0
}

// CanTransition проверяет, что переход from -> to допустим.
func CanTransition(from, to Phase) bool {
	return transitions[from][to]
}

// Reason: причина перехода в PhaseError.
type Reason string

const (
	// ReasonNone: причины нет (успех или отмена).
	ReasonNone Reason = ""
	// ReasonCreateFailed: шлюз не принял запрос на создание платежа.
	ReasonCreateFailed Reason = "create_failed"
	// ReasonApprovalFailed: серверное подтверждение завершилось ошибкой.
	ReasonApprovalFailed Reason = "approval_failed"
	// ReasonCompletionFailed: серверное завершение завершилось ошибкой.
	ReasonCompletionFailed Reason = "completion_failed"
	// ReasonGatewayError: шлюз сообщил об ошибке вне основного потока.
	ReasonGatewayError Reason = "gateway_error"
	// ReasonTimeout: платёж слишком долго ждал подтверждения плательщика.
	ReasonTimeout Reason = "timeout"
)

var (
	// ErrAttemptAlreadyInProgress: у намерения уже есть незавершённая попытка.
	ErrAttemptAlreadyInProgress = errors.New("payment attempt already in progress")
	// ErrAttemptNotFound: попытка не найдена или уже завершена и отброшена.
	ErrAttemptNotFound = errors.New("payment attempt not found")
	// ErrCreateFailed: шлюз не принял запрос на создание платежа.
	ErrCreateFailed = errors.New("payment creation failed")
	// ErrApprovalFailed: серверное подтверждение не прошло.
	ErrApprovalFailed = errors.New("payment approval failed")
	// ErrCompletionFailed: серверное завершение не прошло.
	ErrCompletionFailed = errors.New("payment completion failed")
	// ErrGatewayError: шлюз сообщил об ошибке.
	ErrGatewayError = errors.New("payment gateway error")
	// ErrTimeout: истекло время ожидания подтверждения плательщика.
	ErrTimeout = errors.New("payment timed out waiting for confirmation")
)

var reasonErrors = map[Reason]error{
	ReasonCreateFailed:     ErrCreateFailed,
	ReasonApprovalFailed:   ErrApprovalFailed,
	ReasonCompletionFailed: ErrCompletionFailed,
	ReasonGatewayError:     ErrGatewayError,
	ReasonTimeout:          ErrTimeout,
}
