// Package paymentprovider: HTTP-клиент внешнего платёжного шлюза.
package paymentprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/payment"
)

// ErrUnavailable: шлюз недоступен, автомат разомкнут.
var ErrUnavailable = errors.New("payment gateway unavailable")

// StatusError: шлюз ответил кодом не из 2xx.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Code)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Message)
}

// Config: параметры подключения к шлюзу.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client реализует payment.Gateway поверх HTTP API шлюза.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	log        *slog.Logger
}

var _ payment.Gateway = (*Client)(nil)

// NewClient создаёт новый клиент платёжного шлюза.
func NewClient(cfg Config, log *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    cb,
		log:        log,
	}
}

// CreatePayment отправляет шлюзу запрос на платёж.
// uid платежа у шлюза, идентификатор попытки.
func (c *Client) CreatePayment(ctx context.Context, req payment.CreateRequest) error {
	const op = "paymentprovider.CreatePayment"

	body := createPaymentRequest{
		UID:      req.AttemptID,
		Amount:   req.Params.Amount,
		Memo:     req.Params.Memo,
		Metadata: req.Params.Metadata,
	}
	if err := c.do(ctx, http.MethodPost, "/v2/payments", body); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Approve подтверждает платёж на стороне сервера.
func (c *Client) Approve(ctx context.Context, paymentID string) error {
	const op = "paymentprovider.Approve"

	path := "/v2/payments/" + url.PathEscape(paymentID) + "/approve"
	if err := c.do(ctx, http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Complete помечает транзакцию завершённой.
func (c *Client) Complete(ctx context.Context, paymentID, txID string) error {
	const op = "paymentprovider.Complete"

	path := "/v2/payments/" + url.PathEscape(paymentID) + "/complete"
	if err := c.do(ctx, http.MethodPost, path, completePaymentRequest{TxID: txID}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		// 5xx считаются отказом шлюза и учитываются автоматом
		if r.StatusCode >= http.StatusInternalServerError {
			return r, decodeStatusError(r)
		}
		return r, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	if err != nil {
		c.log.Error("payment gateway request failed", slog.String("path", path), sl.Err(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeStatusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// decodeStatusError читает тело ответа и закрывает его.
func decodeStatusError(resp *http.Response) error {
	defer resp.Body.Close()
	se := &StatusError{Code: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && (er.ErrorMessage != "" || er.Error != "") {
		se.Message = er.ErrorMessage
		if se.Message == "" {
			se.Message = er.Error
		}
	} else {
		se.Message = string(bytes.TrimSpace(raw))
	}
	return se
}
