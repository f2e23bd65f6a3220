package main

import (
	"time"

	"loanflow/audit"
	"loanflow/auth"
	"loanflow/branch"
	"loanflow/ledger"
	"loanflow/loan"
	"loanflow/notify"
	"loanflow/plafond"
	"loanflow/profile"
)

const dateLayout = "2006-01-02"

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type userResponse struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Role     string  `json:"role"`
	BranchID *string `json:"branchId,omitempty"`
	Active   bool    `json:"active"`
	Deleted  bool    `json:"deleted"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		Role:     string(u.Role),
		BranchID: u.BranchID,
		Active:   u.Active,
		Deleted:  u.DeletedAt != nil,
	}
}

type loginResponse struct {
	Token        string       `json:"token"`
	RefreshToken string       `json:"refreshToken"`
	User         userResponse `json:"user"`
}

func toLoginResponse(res auth.LoginResult) loginResponse {
	return loginResponse{Token: res.Token, RefreshToken: res.RefreshToken, User: toUserResponse(res.User)}
}

type branchResponse struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	CreatedAt string `json:"createdAt"`
}

func toBranchResponse(b branch.Branch) branchResponse {
	return branchResponse{ID: b.ID, Code: b.Code, Name: b.Name, Address: b.Address, CreatedAt: stamp(b.CreatedAt)}
}

// publicPlafondResponse is the catalog entry shown to visitors before they
// register.
type publicPlafondResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	MaxAmount    string `json:"maxAmount"`
	InterestRate string `json:"interestRate"`
	TenorMin     int    `json:"tenorMin"`
	TenorMax     int    `json:"tenorMax"`
}

func toPublicPlafondResponse(p plafond.Plafond) publicPlafondResponse {
	r := toPlafondResponse(p)
	return publicPlafondResponse{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		MaxAmount:    r.MaxAmount,
		InterestRate: r.InterestRate,
		TenorMin:     r.TenorMin,
		TenorMax:     r.TenorMax,
	}
}

type plafondResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	MaxAmount    string `json:"maxAmount"`
	InterestRate string `json:"interestRate"`
	TenorMin     int    `json:"tenorMin"`
	TenorMax     int    `json:"tenorMax"`
	Deleted      bool   `json:"deleted"`
}

func toPlafondResponse(p plafond.Plafond) plafondResponse {
	return plafondResponse{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		MaxAmount:    p.MaxAmount.StringFixed(2),
		InterestRate: p.InterestRate.StringFixed(2),
		TenorMin:     p.TenorMin,
		TenorMax:     p.TenorMax,
		Deleted:      p.Deleted(),
	}
}

type grantResponse struct {
	ID              string `json:"id"`
	CustomerID      string `json:"customerId"`
	PlafondID       string `json:"plafondId"`
	PlafondName     string `json:"plafondName"`
	MaxAmount       string `json:"maxAmount"`
	RemainingAmount string `json:"remainingAmount"`
	UsedAmount      string `json:"usedAmount"`
	Active          bool   `json:"active"`
	AssignedAt      string `json:"assignedAt"`
}

func toGrantResponse(g ledger.Grant) grantResponse {
	return grantResponse{
		ID:              g.ID,
		CustomerID:      g.CustomerID,
		PlafondID:       g.PlafondID,
		PlafondName:     g.PlafondName,
		MaxAmount:       g.MaxAmount.StringFixed(2),
		RemainingAmount: g.RemainingAmount.StringFixed(2),
		UsedAmount:      g.Used().StringFixed(2),
		Active:          g.Active,
		AssignedAt:      stamp(g.AssignedAt),
	}
}

type creditResponse struct {
	Active  *grantResponse  `json:"active"`
	History []grantResponse `json:"history"`
}

type profileResponse struct {
	UserID       string  `json:"userId"`
	FullName     string  `json:"fullName"`
	PhoneNumber  string  `json:"phoneNumber"`
	Address      string  `json:"address"`
	NIK          string  `json:"nik"`
	BirthDate    string  `json:"birthDate"`
	NPWPNumber   *string `json:"npwpNumber,omitempty"`
	KTPPhoto     string  `json:"ktpPhoto"`
	ProfilePhoto string  `json:"profilePhoto,omitempty"`
	NPWPPhoto    string  `json:"npwpPhoto,omitempty"`
}

func toProfileResponse(p profile.Profile) profileResponse {
	return profileResponse{
		UserID:       p.UserID,
		FullName:     p.FullName,
		PhoneNumber:  p.PhoneNumber,
		Address:      p.Address,
		NIK:          p.NIK,
		BirthDate:    p.BirthDate.Format(dateLayout),
		NPWPNumber:   p.NPWPNumber,
		KTPPhoto:     p.KTPPhoto,
		ProfilePhoto: p.ProfilePhoto,
		NPWPPhoto:    p.NPWPPhoto,
	}
}

type applicationResponse struct {
	ID            string  `json:"id"`
	CustomerID    string  `json:"customerId"`
	BranchID      string  `json:"branchId"`
	PlafondID     string  `json:"plafondId"`
	Amount        string  `json:"amount"`
	Tenor         int     `json:"tenor"`
	Status        string  `json:"status"`
	SubmittedAt   string  `json:"submittedAt"`
	Occupation    string  `json:"occupation"`
	CompanyName   *string `json:"companyName,omitempty"`
	AccountNumber string  `json:"accountNumber"`
	Snapshot      struct {
		FullName    string  `json:"fullName"`
		PhoneNumber string  `json:"phoneNumber"`
		Address     string  `json:"address"`
		NIK         string  `json:"nik"`
		BirthDate   string  `json:"birthDate"`
		NPWPNumber  *string `json:"npwpNumber,omitempty"`
		KTPPhoto    string  `json:"ktpPhoto"`
		NPWPPhoto   string  `json:"npwpPhoto,omitempty"`
	} `json:"snapshot"`
	SavingBookCover string `json:"savingBookCover"`
	PayslipPhoto    string `json:"payslipPhoto"`
}

func toApplicationResponse(a loan.Application) applicationResponse {
	resp := applicationResponse{
		ID:              a.ID,
		CustomerID:      a.CustomerID,
		BranchID:        a.BranchID,
		PlafondID:       a.PlafondID,
		Amount:          a.Amount.StringFixed(2),
		Tenor:           a.Tenor,
		Status:          string(a.Status),
		SubmittedAt:     stamp(a.SubmittedAt),
		Occupation:      a.Occupation,
		CompanyName:     a.CompanyName,
		AccountNumber:   a.AccountNumber,
		SavingBookCover: a.Documents.SavingBookCover,
		PayslipPhoto:    a.Documents.PayslipPhoto,
	}
	s := a.Snapshot
	resp.Snapshot.FullName = s.FullName
	resp.Snapshot.PhoneNumber = s.PhoneNumber
	resp.Snapshot.Address = s.Address
	resp.Snapshot.NIK = s.NIK
	resp.Snapshot.BirthDate = s.BirthDate.Format(dateLayout)
	resp.Snapshot.NPWPNumber = s.NPWPNumber
	resp.Snapshot.KTPPhoto = s.KTPPhoto
	resp.Snapshot.NPWPPhoto = s.NPWPPhoto
	return resp
}

func toApplicationList(apps []loan.Application) []applicationResponse {
	out := make([]applicationResponse, 0, len(apps))
	for _, a := range apps {
		out = append(out, toApplicationResponse(a))
	}
	return out
}

type historyResponse struct {
	ID        int64  `json:"id"`
	ActorID   string `json:"actorId"`
	ActorRole string `json:"actorRole"`
	Status    string `json:"status"`
	Comment   string `json:"comment"`
	CreatedAt string `json:"createdAt"`
}

func toHistoryResponse(e audit.Entry) historyResponse {
	return historyResponse{
		ID:        e.ID,
		ActorID:   e.ActorID,
		ActorRole: string(e.ActorRole),
		Status:    e.Status,
		Comment:   e.Comment,
		CreatedAt: stamp(e.CreatedAt),
	}
}

type notificationResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"createdAt"`
}

func toNotificationResponse(n notify.Notification) notificationResponse {
	return notificationResponse{ID: n.ID, Title: n.Title, Message: n.Message, Read: n.IsRead, CreatedAt: stamp(n.CreatedAt)}
}
