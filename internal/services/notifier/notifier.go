// Package notifier отправляет пользователям письма по событиям брокера:
// о скором истечении плана и об итоге оплаты апгрейда.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/smtp"
	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/payment"
)

// Transport устанавливает соединение с почтовым сервером.
type Transport interface {
	Connect() (smtp.Client, error)
	Sender() string
}

// Users возвращает запись пользователя для адреса получателя.
type Users interface {
	GetUser(ctx context.Context, userUID string) (*models.User, error)
}

// Service формирует и отправляет письма.
type Service struct {
	transport  Transport
	users      Users
	upgradeURL string
	log        *slog.Logger
}

// NewService создает новый экземпляр Service.
func NewService(transport Transport, users Users, upgradeURL string, log *slog.Logger) *Service {
	return &Service{
		transport:  transport,
		users:      users,
		upgradeURL: upgradeURL,
		log:        log,
	}
}

// PlanExpiring обрабатывает событие plan.expiring.
func (s *Service) PlanExpiring(body []byte) error {
	const op = "notifier.PlanExpiring"

	var ev models.PlanExpiringEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.log.Error("failed to unmarshal message body", sl.Op(op), sl.Err(err))
		return fmt.Errorf("%s: error unmarshalling message: %w", op, err)
	}
	if ev.Email == "" {
		s.log.Warn("plan expiring for user without email", slog.String("uid", ev.UserUID))
		return nil
	}

	subject := fmt.Sprintf("Ваш план %s скоро закончится", ev.Plan.Title())
	bodyText := fmt.Sprintf("Здравствуйте!\n\nПлан %s действует до %s (дней осталось: %d).\n"+
		"После этого аккаунт перейдёт на Free, а платные функции станут недоступны.\n\n"+
		"Продлить план: %s",
		ev.Plan.Title(), ev.PlanExpiry.Format("02.01.2006"), ev.DaysUntilExpiry, s.upgradeURL)

	if err := s.sendEmail([]string{ev.Email}, subject, bodyText); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PaymentOutcome обрабатывает событие payment.outcome. Письмо уходит
// только для успеха и ошибки: отмену пользователь выбрал сам.
func (s *Service) PaymentOutcome(ctx context.Context) func([]byte) error {
	return func(body []byte) error {
		const op = "notifier.PaymentOutcome"

		var ev models.PaymentOutcomeEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			s.log.Error("failed to unmarshal message body", sl.Op(op), sl.Err(err))
			return fmt.Errorf("%s: error unmarshalling message: %w", op, err)
		}

		phase := payment.Phase(ev.Phase)
		if phase != payment.PhaseSuccess && phase != payment.PhaseError {
			return nil
		}

		user, err := s.users.GetUser(ctx, ev.UserUID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if user.Email == "" {
			return nil
		}
		name := user.Name
		if name == "" {
			name = user.Email
		}

		subject := "Оплата прошла успешно"
		bodyText := fmt.Sprintf("Здравствуйте, %s!\n\nМы получили оплату %.2f (платёж %s). Новый план уже доступен.",
			name, ev.Amount, ev.GatewayPaymentID)
		if phase == payment.PhaseError {
			subject = "Не удалось завершить оплату"
			bodyText = fmt.Sprintf("Здравствуйте, %s!\n\nОплата не прошла (%s), деньги не списаны.\nПопробовать снова: %s",
				name, ev.Reason, s.upgradeURL)
		}
		if err := s.sendEmail([]string{user.Email}, subject, bodyText); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}
}

func (s *Service) sendEmail(to []string, subject, bodyText string) error {
	msg := strings.Join([]string{
		"From: " + s.transport.Sender(),
		"To: " + strings.Join(to, ";"),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"",
		bodyText,
	}, "\r\n")

	client, err := s.transport.Connect()
	if err != nil {
		s.log.Error("failed to connect to SMTP server", sl.Err(err))
		return err
	}
	defer client.Close()

	if err := client.Mail(s.transport.Sender()); err != nil {
		s.log.Error("failed to set MAIL FROM", slog.String("from", s.transport.Sender()), sl.Err(err))
		return err
	}
	for _, addr := range to {
		if err := client.Rcpt(addr); err != nil {
			s.log.Error("failed to set RCPT TO", slog.String("recipient", addr), sl.Err(err))
			return err
		}
	}

	wc, err := client.Data()
	if err != nil {
		s.log.Error("failed to get Data writer", sl.Err(err))
		return err
	}
	if _, err = wc.Write([]byte(msg)); err != nil {
		s.log.Error("failed to write email body", sl.Err(err))
		return err
	}
	if err = wc.Close(); err != nil {
		s.log.Error("failed to close Data writer", sl.Err(err))
		return err
	}
	if err = client.Quit(); err != nil {
		s.log.Error("failed to quit SMTP client", sl.Err(err))
		return err
	}

	s.log.Info("email sent successfully", slog.Any("to", to))
	return nil
}
