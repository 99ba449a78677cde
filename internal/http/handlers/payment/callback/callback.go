// Package callback принимает обратные вызовы платёжного шлюза.
// Тело подписывается HMAC-SHA256 в заголовке X-Api-Signature.
package callback

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/habit-entitlements/internal/http/response"
	"github.com/magabrotheeeer/habit-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/habit-entitlements/internal/services/payment"
)

// SignatureHeader: заголовок с подписью тела.
const SignatureHeader = "X-Api-Signature"

// maxBody ограничивает размер тела обратного вызова.
const maxBody = 1 << 20

// Dispatcher передаёт обратный вызов платёжной попытке.
type Dispatcher interface {
	Dispatch(ctx context.Context, cb payment.Callback) error
}

// Handler обрабатывает обратные вызовы шлюза.
type Handler struct {
	log        *slog.Logger
	dispatcher Dispatcher
	secret     string
	validate   *validator.Validate
}

// New создает новый Handler.
func New(log *slog.Logger, dispatcher Dispatcher, secret string) *Handler {
	return &Handler{
		log:        log,
		dispatcher: dispatcher,
		secret:     secret,
		validate:   validator.New(),
	}
}

// Sign возвращает подпись тела секретом secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(h.secret, body)), []byte(signature))
}

// ServeHTTP godoc
// @Summary Обратный вызов платёжного шлюза
// @Tags Payments
// @Accept  json
// @Produce  json
// @Param X-Api-Signature header string true "HMAC-SHA256 тела в base64"
// @Param request body payment.Callback true "Событие шлюза"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse "Некорректное событие"
// @Failure 401 {object} response.ErrorResponse "Неверная подпись"
// @Failure 404 {object} response.ErrorResponse "Попытка не найдена"
// @Router /payments/callbacks [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.callback"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		log.Error("failed to read callback body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get(SignatureHeader)
	if signature == "" || !h.verifySignature(body, signature) {
		log.Error("invalid or missing callback signature")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("invalid signature"))
		return
	}

	var cb payment.Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		log.Error("failed to unmarshal callback payload", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(cb); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	err = h.dispatcher.Dispatch(r.Context(), cb)
	switch {
	case errors.Is(err, payment.ErrUnknownEvent), errors.Is(err, payment.ErrInvalidCallback):
		log.Warn("rejected callback", slog.String("event", string(cb.Event)), sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error(err.Error()))
		return
	case errors.Is(err, payment.ErrAttemptNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("attempt not found"))
		return
	case err != nil:
		log.Error("failed to process callback", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to process callback"))
		return
	}

	log.Info("callback processed", slog.String("event", string(cb.Event)), slog.String("payment_id", cb.PaymentID))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{"event": cb.Event}))
}
