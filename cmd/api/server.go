package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"loanflow/apperr"
	"loanflow/audit"
	"loanflow/auth"
	"loanflow/branch"
	"loanflow/ledger"
	"loanflow/loan"
	"loanflow/logging"
	"loanflow/notify"
	"loanflow/plafond"
	"loanflow/profile"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	CreateStaff(ctx context.Context, actor auth.Actor, req auth.CreateStaffRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	Refresh(ctx context.Context, req auth.RefreshRequest) (auth.LoginResult, error)
	Logout(ctx context.Context, req auth.RefreshRequest) error
	ChangePassword(ctx context.Context, actor auth.Actor, req auth.ChangePasswordRequest) error
	VerifyToken(token string) (auth.Actor, error)

	ListUsers(ctx context.Context, actor auth.Actor, includeDeleted bool) ([]auth.User, error)
	GetUser(ctx context.Context, actor auth.Actor, id string) (auth.User, error)
	UpdateUser(ctx context.Context, actor auth.Actor, id string, req auth.UpdateUserRequest) (auth.User, error)
	DeleteUser(ctx context.Context, actor auth.Actor, id string) error
	RestoreUser(ctx context.Context, actor auth.Actor, id string) (auth.User, error)
}

type branchService interface {
	List(ctx context.Context, limit int) ([]branch.Branch, error)
	Create(ctx context.Context, actor auth.Actor, params branch.CreateParams) (branch.Branch, error)
	Update(ctx context.Context, actor auth.Actor, id string, params branch.CreateParams) (branch.Branch, error)
	Delete(ctx context.Context, actor auth.Actor, id string) error
	Restore(ctx context.Context, actor auth.Actor, id string) (branch.Branch, error)
}

type plafondService interface {
	Get(ctx context.Context, id string) (plafond.Plafond, error)
	List(ctx context.Context) ([]plafond.Plafond, error)
	Create(ctx context.Context, actor auth.Actor, p plafond.Params) (plafond.Plafond, error)
	Update(ctx context.Context, actor auth.Actor, id string, p plafond.Params) (plafond.Plafond, error)
	Delete(ctx context.Context, actor auth.Actor, id string) error
	Restore(ctx context.Context, actor auth.Actor, id string) (plafond.Plafond, error)
}

type creditService interface {
	Assign(ctx context.Context, actor auth.Actor, params ledger.AssignParams) (ledger.Grant, error)
	Active(ctx context.Context, customerID string) (ledger.Grant, error)
	History(ctx context.Context, customerID string) ([]ledger.Grant, error)
}

type profileService interface {
	Get(ctx context.Context, actor auth.Actor) (profile.Profile, error)
	Complete(ctx context.Context, actor auth.Actor, req profile.Request) (profile.Profile, error)
	Update(ctx context.Context, actor auth.Actor, req profile.Request) (profile.Profile, error)
}

type loanService interface {
	Submit(ctx context.Context, actor auth.Actor, req loan.SubmitRequest) (loan.Application, error)
	Proceed(ctx context.Context, actor auth.Actor, id, comment string) (loan.Application, error)
	Approve(ctx context.Context, actor auth.Actor, id, comment string) (loan.Application, error)
	Disburse(ctx context.Context, actor auth.Actor, id, comment string) (loan.Application, error)
	Reject(ctx context.Context, actor auth.Actor, id, comment string) (loan.Application, error)
	GetDetail(ctx context.Context, actor auth.Actor, id string) (loan.Application, error)
	GetHistory(ctx context.Context, actor auth.Actor, id string) ([]audit.Entry, error)
	ListMine(ctx context.Context, actor auth.Actor) ([]loan.Application, error)
	ListQueue(ctx context.Context, actor auth.Actor) ([]loan.Application, error)
	ListVisible(ctx context.Context, actor auth.Actor) ([]loan.Application, error)
}

type inboxService interface {
	List(ctx context.Context, actor auth.Actor) ([]notify.Notification, error)
	MarkRead(ctx context.Context, actor auth.Actor, id string) error
	MarkAllRead(ctx context.Context, actor auth.Actor) (int64, error)
}

// Server holds the HTTP handlers. Fields left nil are only a problem for the
// routes that use them, which keeps handler tests small.
type Server struct {
	authService    authService
	branchService  branchService
	plafondService plafondService
	creditService  creditService
	profileService profileService
	loanService    loanService
	inboxService   inboxService
	logger         *zap.Logger
	maxUploadBytes int64
}

func (s *Server) log() *zap.Logger {
	return logging.OrNop(s.logger)
}

// Routes mounts every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)
		r.Get("/plafonds/public", s.handlePublicPlafonds)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Post("/auth/staff", s.handleCreateStaff)
			r.Post("/auth/change-password", s.handleChangePassword)

			r.Get("/users", s.handleListUsers)
			r.Get("/users/{id}", s.handleGetUser)
			r.Put("/users/{id}", s.handleUpdateUser)
			r.Delete("/users/{id}", s.handleDeleteUser)
			r.Post("/users/{id}/restore", s.handleRestoreUser)

			r.Get("/branches", s.handleListBranches)
			r.Post("/branches", s.handleCreateBranch)
			r.Put("/branches/{id}", s.handleUpdateBranch)
			r.Delete("/branches/{id}", s.handleDeleteBranch)
			r.Post("/branches/{id}/restore", s.handleRestoreBranch)

			r.Get("/plafonds", s.handleListPlafonds)
			r.Post("/plafonds", s.handleCreatePlafond)
			r.Get("/plafonds/{id}", s.handleGetPlafond)
			r.Put("/plafonds/{id}", s.handleUpdatePlafond)
			r.Delete("/plafonds/{id}", s.handleDeletePlafond)
			r.Post("/plafonds/{id}/restore", s.handleRestorePlafond)

			r.Post("/credit/assign", s.handleAssignCredit)
			r.Get("/credit/{customerID}", s.handleGetCredit)

			r.Get("/profile", s.handleGetProfile)
			r.Post("/profile", s.handleCompleteProfile)
			r.Put("/profile", s.handleUpdateProfile)

			r.Post("/loans", s.handleSubmitLoan)
			r.Get("/loans", s.handleListLoans)
			r.Get("/loans/mine", s.handleListMyLoans)
			r.Get("/loans/queue", s.handleLoanQueue)
			r.Get("/loans/{id}", s.handleGetLoan)
			r.Get("/loans/{id}/history", s.handleLoanHistory)
			r.Post("/loans/{id}/proceed", s.handleTransition(loan.ActionProceed))
			r.Post("/loans/{id}/approve", s.handleTransition(loan.ActionApprove))
			r.Post("/loans/{id}/disburse", s.handleTransition(loan.ActionDisburse))
			r.Post("/loans/{id}/reject", s.handleTransition(loan.ActionReject))

			r.Get("/notifications", s.handleListNotifications)
			r.Post("/notifications/read-all", s.handleReadAllNotifications)
			r.Post("/notifications/{id}/read", s.handleReadNotification)
		})
	})
	return r
}

type actorKey struct{}

func withActor(ctx context.Context, a auth.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFrom(ctx context.Context) (auth.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(auth.Actor)
	return a, ok
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		actor, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// mustActor returns the authenticated actor; routes behind authenticate
// always have one.
func mustActor(r *http.Request) auth.Actor {
	a, _ := actorFrom(r.Context())
	return a
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps a service error onto a status code. Storage failures and
// unclassified errors are logged and answered with a generic body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		writeJSONError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, apperr.Message(err))
	case errors.Is(err, apperr.ErrBusinessRule):
		writeJSONError(w, http.StatusBadRequest, apperr.Message(err))
	case errors.Is(err, apperr.ErrConcurrentModification):
		writeJSONError(w, http.StatusConflict, apperr.Message(err))
	default:
		s.log().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Rule("invalid request body: %v", err)
	}
	return nil
}
