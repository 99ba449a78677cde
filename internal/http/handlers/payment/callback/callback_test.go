package callback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/habit-entitlements/internal/models"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/payment"
)

const secret = "webhook_secret"

type DispatcherMock struct{ mock.Mock }

func (m *DispatcherMock) Dispatch(ctx context.Context, cb payment.Callback) error {
	return m.Called(ctx, cb).Error(0)
}

func TestCallbackHandler_ServeHTTP(t *testing.T) {
	approve := `{"event":"ready_for_server_approval","attempt_id":"a-1","payment_id":"pay-1"}`

	tests := []struct {
		name      string
		body      string
		signature func(body string) string
		dispErr   error
		dispatch  bool
		wantCode  int
	}{
		{
			name:      "valid callback",
			body:      approve,
			signature: func(b string) string { return Sign(secret, []byte(b)) },
			dispatch:  true,
			wantCode:  http.StatusOK,
		},
		{
			name:      "missing signature",
			body:      approve,
			signature: func(string) string { return "" },
			wantCode:  http.StatusUnauthorized,
		},
		{
			name:      "signature from another secret",
			body:      approve,
			signature: func(b string) string { return Sign("other", []byte(b)) },
			wantCode:  http.StatusUnauthorized,
		},
		{
			name:      "unknown event",
			body:      `{"event":"refunded","payment_id":"pay-1"}`,
			signature: func(b string) string { return Sign(secret, []byte(b)) },
			dispErr:   payment.ErrUnknownEvent,
			dispatch:  true,
			wantCode:  http.StatusBadRequest,
		},
		{
			name:      "unknown attempt",
			body:      approve,
			signature: func(b string) string { return Sign(secret, []byte(b)) },
			dispErr:   payment.ErrAttemptNotFound,
			dispatch:  true,
			wantCode:  http.StatusNotFound,
		},
		{
			name:      "unexpected failure",
			body:      approve,
			signature: func(b string) string { return Sign(secret, []byte(b)) },
			dispErr:   errors.New("boom"),
			dispatch:  true,
			wantCode:  http.StatusInternalServerError,
		},
		{
			name:      "missing event",
			body:      `{"payment_id":"pay-1"}`,
			signature: func(b string) string { return Sign(secret, []byte(b)) },
			wantCode:  http.StatusBadRequest,
		},
		{
			name:      "broken json",
			body:      `{`,
			signature: func(b string) string { return Sign(secret, []byte(b)) },
			wantCode:  http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := new(DispatcherMock)
			if tt.dispatch {
				d.On("Dispatch", mock.Anything, mock.AnythingOfType("payment.Callback")).Return(tt.dispErr).Once()
			}

			req := httptest.NewRequest(http.MethodPost, "/payments/callbacks", bytes.NewBufferString(tt.body))
			if sig := tt.signature(tt.body); sig != "" {
				req.Header.Set(SignatureHeader, sig)
			}
			rec := httptest.NewRecorder()
			New(slog.New(slog.NewTextHandler(io.Discard, nil)), d, secret).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			d.AssertExpectations(t)
		})
	}
}

func TestCallbackHandler_DrivesProcessor(t *testing.T) {
	gw := &stubGateway{}
	p := payment.NewProcessor(gw, payment.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a, err := p.Start(context.Background(), "u-1", models.PaymentParams{Amount: 4.99, Memo: "Pro plan"})
	assert.NoError(t, err)

	h := New(slog.New(slog.NewTextHandler(io.Discard, nil)), p, secret)
	send := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/payments/callbacks", bytes.NewBufferString(body))
		req.Header.Set(SignatureHeader, Sign(secret, []byte(body)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send(`{"event":"ready_for_server_approval","attempt_id":"`+a.ID()+`","payment_id":"pay-1"}`))
	assert.Equal(t, payment.PhaseWaiting, a.Phase())
	assert.Equal(t, http.StatusOK, send(`{"event":"ready_for_server_completion","payment_id":"pay-1","tx_id":"tx-1"}`))
	assert.Equal(t, payment.PhaseSuccess, a.Phase())
	assert.Equal(t, http.StatusOK, send(`{"event":"ready_for_server_completion","payment_id":"pay-1","tx_id":"tx-1"}`))
	assert.Equal(t, http.StatusNotFound, send(`{"event":"cancelled","payment_id":"pay-1"}`))
}

type stubGateway struct{}

func (stubGateway) CreatePayment(context.Context, payment.CreateRequest) error { return nil }
func (stubGateway) Approve(context.Context, string) error                     { return nil }
func (stubGateway) Complete(context.Context, string, string) error            { return nil }
