package branch

import "loanflow/db"

// Branch is an office that owns loan applications submitted against it.
type Branch struct {
	ID      string
	Code    string
	Name    string
	Address string
	db.Auditable
}

// CreateParams carries the fields a superadmin supplies for a new branch.
type CreateParams struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Usage is what blocks a branch from being retired, read under lock.
type Usage struct {
	ActiveStaff  int
	Applications int
}

// checkRetirable refuses to soft-delete a branch that still has active staff
// or applications that are not yet final.
func checkRetirable(u Usage) error {
	if u.ActiveStaff > 0 {
		return ErrHasStaff
	}
	if u.Applications > 0 {
		return ErrHasApplications
	}
	return nil
}
