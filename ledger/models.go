package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Grant is a customer's credit line against a template. Remaining moves only
// through Reserve and Release.
type Grant struct {
	ID              string
	CustomerID      string
	PlafondID       string
	PlafondName     string
	MaxAmount       decimal.Decimal
	RemainingAmount decimal.Decimal
	Active          bool
	Version         int64
	AssignedAt      time.Time
	UpdatedAt       time.Time
}

// Used is the part of the ceiling currently reserved or disbursed.
func (g Grant) Used() decimal.Decimal {
	return g.MaxAmount.Sub(g.RemainingAmount)
}

// AssignParams describes an administrative grant assignment.
type AssignParams struct {
	CustomerID string          `json:"customerId"`
	PlafondID  string          `json:"plafondId"`
	MaxAmount  decimal.Decimal `json:"maxAmount"`
}
