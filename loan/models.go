package loan

import (
	"io"
	"time"

	"github.com/shopspring/decimal"

	"loanflow/db"
)

// Status is the pipeline position of an application.
type Status string

const (
	StatusPendingReview       Status = "PENDING_REVIEW"
	StatusWaitingApproval     Status = "WAITING_APPROVAL"
	StatusWaitingDisbursement Status = "WAITING_DISBURSEMENT"
	StatusDisbursed           Status = "DISBURSED"
	StatusRejected            Status = "REJECTED"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusDisbursed || s == StatusRejected
}

// Action is a pipeline verb.
type Action string

const (
	ActionSubmit   Action = "SUBMIT"
	ActionProceed  Action = "PROCEED"
	ActionApprove  Action = "APPROVE"
	ActionDisburse Action = "DISBURSE"
	ActionReject   Action = "REJECT"
)

// Snapshot is the profile as it stood at submission. Photo refs point at
// copies owned by the application.
type Snapshot struct {
	FullName    string
	PhoneNumber string
	Address     string
	NIK         string
	BirthDate   time.Time
	NPWPNumber  *string
	KTPPhoto    string
	NPWPPhoto   string
}

// Documents are the files uploaded with the application itself.
type Documents struct {
	SavingBookCover string
	PayslipPhoto    string
}

// Application is a loan request moving through the pipeline. Everything but
// Status and Version is fixed at insert.
type Application struct {
	ID            string
	CustomerID    string
	BranchID      string
	PlafondID     string
	Amount        decimal.Decimal
	Tenor         int
	Status        Status
	Version       int64
	SubmittedAt   time.Time
	Occupation    string
	CompanyName   *string
	AccountNumber string
	Snapshot      Snapshot
	Documents     Documents
	db.Auditable
}

// File is an uploaded document stream.
type File struct {
	Name    string
	Content io.Reader
}

// SubmitRequest is a customer's new application.
type SubmitRequest struct {
	BranchID        string
	PlafondID       string
	Amount          decimal.Decimal
	Tenor           int
	Occupation      string
	CompanyName     string
	AccountNumber   string
	SavingBookCover *File
	PayslipPhoto    *File
}

// Filter narrows application listings. Empty fields match everything.
type Filter struct {
	CustomerID  string
	BranchID    string
	Status      Status
	OldestFirst bool
}
