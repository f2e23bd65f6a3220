package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"loanflow/apperr"
	"loanflow/auth"
	"loanflow/loan"
	"loanflow/profile"
)

const defaultMaxUpload = 10 << 20

// multipartForm parses the request body and tracks opened files so the
// handler can close them once the service returns.
type multipartForm struct {
	r       *http.Request
	closers []io.Closer
}

func (s *Server) parseMultipart(r *http.Request) (*multipartForm, error) {
	limit := s.maxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUpload
	}
	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, apperr.Rule("invalid multipart body: %v", err)
	}
	return &multipartForm{r: r}, nil
}

func (f *multipartForm) value(name string) string {
	return strings.TrimSpace(f.r.FormValue(name))
}

// file returns the named part, or nil when it was not sent.
func (f *multipartForm) file(name string) (io.Reader, string, error) {
	file, header, err := f.r.FormFile(name)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", apperr.Rule("invalid %s upload: %v", name, err)
	}
	f.closers = append(f.closers, file)
	return file, header.Filename, nil
}

func (f *multipartForm) Close() {
	for _, c := range f.closers {
		_ = c.Close()
	}
	if f.r.MultipartForm != nil {
		_ = f.r.MultipartForm.RemoveAll()
	}
}

func (f *multipartForm) upload(name string) (*profile.Upload, error) {
	rd, filename, err := f.file(name)
	if err != nil || rd == nil {
		return nil, err
	}
	return &profile.Upload{Filename: filename, Content: rd}, nil
}

func (f *multipartForm) loanFile(name string) (*loan.File, error) {
	rd, filename, err := f.file(name)
	if err != nil || rd == nil {
		return nil, err
	}
	return &loan.File{Name: filename, Content: rd}, nil
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profileService.Get(r.Context(), mustActor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(p))
}

func (s *Server) handleCompleteProfile(w http.ResponseWriter, r *http.Request) {
	s.handleProfileWrite(w, r, http.StatusCreated, s.profileService.Complete)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	s.handleProfileWrite(w, r, http.StatusOK, s.profileService.Update)
}

func (s *Server) handleProfileWrite(w http.ResponseWriter, r *http.Request, status int,
	write func(ctx context.Context, actor auth.Actor, req profile.Request) (profile.Profile, error)) {
	form, err := s.parseMultipart(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer form.Close()

	req, err := profileRequest(form)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := write(r.Context(), mustActor(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, toProfileResponse(p))
}

func profileRequest(form *multipartForm) (profile.Request, error) {
	req := profile.Request{
		FullName:    form.value("fullName"),
		PhoneNumber: form.value("phoneNumber"),
		Address:     form.value("address"),
		NIK:         form.value("nik"),
		NPWPNumber:  form.value("npwpNumber"),
	}
	if raw := form.value("birthDate"); raw != "" {
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			return req, apperr.Rule("birthDate must be formatted as YYYY-MM-DD")
		}
		req.BirthDate = t
	}
	var err error
	if req.KTPPhoto, err = form.upload("ktpPhoto"); err != nil {
		return req, err
	}
	if req.ProfilePhoto, err = form.upload("profilePhoto"); err != nil {
		return req, err
	}
	if req.NPWPPhoto, err = form.upload("npwpPhoto"); err != nil {
		return req, err
	}
	return req, nil
}

func (s *Server) handleSubmitLoan(w http.ResponseWriter, r *http.Request) {
	form, err := s.parseMultipart(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer form.Close()

	req, err := submitRequest(form)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	app, err := s.loanService.Submit(r.Context(), mustActor(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationResponse(app))
}

func submitRequest(form *multipartForm) (loan.SubmitRequest, error) {
	req := loan.SubmitRequest{
		BranchID:      form.value("branchId"),
		PlafondID:     form.value("plafondId"),
		Occupation:    form.value("occupation"),
		CompanyName:   form.value("companyName"),
		AccountNumber: form.value("accountNumber"),
	}
	amount, err := decimal.NewFromString(form.value("amount"))
	if err != nil {
		return req, apperr.Rule("amount must be a decimal number")
	}
	req.Amount = amount
	tenor, err := strconv.Atoi(form.value("tenor"))
	if err != nil {
		return req, apperr.Rule("tenor must be a whole number of months")
	}
	req.Tenor = tenor
	if req.SavingBookCover, err = form.loanFile("savingBookCover"); err != nil {
		return req, err
	}
	if req.PayslipPhoto, err = form.loanFile("payslipPhoto"); err != nil {
		return req, err
	}
	return req, nil
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	apps, err := s.loanService.ListVisible(r.Context(), mustActor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationList(apps))
}

func (s *Server) handleListMyLoans(w http.ResponseWriter, r *http.Request) {
	apps, err := s.loanService.ListMine(r.Context(), mustActor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationList(apps))
}

func (s *Server) handleLoanQueue(w http.ResponseWriter, r *http.Request) {
	apps, err := s.loanService.ListQueue(r.Context(), mustActor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationList(apps))
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	app, err := s.loanService.GetDetail(r.Context(), mustActor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponse(app))
}

func (s *Server) handleLoanHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.loanService.GetHistory(r.Context(), mustActor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toHistoryResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

type transitionRequest struct {
	Comment string `json:"comment"`
}

// handleTransition serves the four pipeline actions. The body is optional.
func (s *Server) handleTransition(action loan.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				s.writeError(w, r, err)
				return
			}
		}

		var fn func(ctx context.Context, actor auth.Actor, id, comment string) (loan.Application, error)
		switch action {
		case loan.ActionProceed:
			fn = s.loanService.Proceed
		case loan.ActionApprove:
			fn = s.loanService.Approve
		case loan.ActionDisburse:
			fn = s.loanService.Disburse
		default:
			fn = s.loanService.Reject
		}

		app, err := fn(r.Context(), mustActor(r), chi.URLParam(r, "id"), req.Comment)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toApplicationResponse(app))
	}
}
