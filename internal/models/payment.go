package models

// PaymentParams: непрозрачные параметры платежа, которые передаются шлюзу.
type PaymentParams struct {
	Amount   float64           `json:"amount" validate:"required,gt=0"`
	Memo     string            `json:"memo" validate:"required,max=256"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone возвращает копию параметров с независимой картой метаданных.
func (p PaymentParams) Clone() PaymentParams {
	md := make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		md[k] = v
	}
	p.Metadata = md
	return p
}
