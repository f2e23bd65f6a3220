package plafond

import (
	"github.com/shopspring/decimal"

	"loanflow/db"
)

// Plafond is a credit template: the ceiling, price and tenor bounds a grant
// is issued against.
type Plafond struct {
	ID           string
	Name         string
	Description  string
	MaxAmount    decimal.Decimal
	InterestRate decimal.Decimal
	TenorMin     int
	TenorMax     int
	db.Auditable
}

// AllowsTenor reports whether months lies within the template's bounds.
func (p Plafond) AllowsTenor(months int) bool {
	return months >= p.TenorMin && months <= p.TenorMax
}

// Params is the writable shape of a template.
type Params struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	MaxAmount    decimal.Decimal `json:"maxAmount"`
	InterestRate decimal.Decimal `json:"interestRate"`
	TenorMin     int             `json:"tenorMin"`
	TenorMax     int             `json:"tenorMax"`
}
