package paymentprovider

// createPaymentRequest: тело POST /v2/payments.
type createPaymentRequest struct {
	UID      string            `json:"uid"`
	Amount   float64           `json:"amount"`
	Memo     string            `json:"memo"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// completePaymentRequest: тело POST /v2/payments/{id}/complete.
type completePaymentRequest struct {
	TxID string `json:"txid"`
}

// errorResponse: тело ответа шлюза с ошибкой.
type errorResponse struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}
