package profile

import (
	"io"
	"time"

	"loanflow/db"
)

// Profile is the customer's identity record. Loan submissions copy it.
type Profile struct {
	ID           string
	UserID       string
	FullName     string
	PhoneNumber  string
	Address      string
	NIK          string
	BirthDate    time.Time
	NPWPNumber   *string
	KTPPhoto     string
	ProfilePhoto string
	NPWPPhoto    string
	db.Auditable
}

// Upload is a file supplied with a request. A nil *Upload means "unchanged".
type Upload struct {
	Filename string
	Content  io.Reader
}

// Request carries the editable profile fields.
type Request struct {
	FullName     string
	PhoneNumber  string
	Address      string
	NIK          string
	BirthDate    time.Time
	NPWPNumber   string
	KTPPhoto     *Upload
	ProfilePhoto *Upload
	NPWPPhoto    *Upload
}
