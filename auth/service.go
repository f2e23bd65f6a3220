package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"loanflow/apperr"
)

var (
	// ErrInvalidCredentials signals wrong username or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInvalidToken signals a token that failed signature, expiry or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = apperr.Rule("auth: password must be at least 8 characters and mix upper and lower case letters, digits and one of %s", passwordSpecials)
	// ErrForbidden signals the caller may not perform an account operation.
	ErrForbidden = apperr.Rule("auth: operation not permitted for role")
)

const (
	defaultTokenTTL   = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// BranchChecker confirms a branch exists before staff is bound to it.
type BranchChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Service handles authentication business logic.
type Service struct {
	repo       Repository
	branches   BranchChecker
	jwtSecret  []byte
	tokenTTL   time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// LoginResult bundles the tokens and domain user returned after a successful
// login or refresh.
type LoginResult struct {
	Token        string
	RefreshToken string
	User         User
}

// Option customises a Service.
type Option func(*Service)

// WithTokenTTL overrides the default 15m access token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the default 7 day refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithBranchChecker validates branch ids when staff accounts are created.
func WithBranchChecker(b BranchChecker) Option {
	return func(s *Service) { s.branches = b }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		jwtSecret:  []byte(jwtSecret),
		tokenTTL:   defaultTokenTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a customer account. Staff accounts go through CreateStaff.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if err := validateAccount(req.Username, req.Email, req.Password); err != nil {
		return nil, err
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Username:     strings.TrimSpace(req.Username),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash: string(passwordHash),
		Role:         RoleCustomer,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// CreateStaff creates an internal account. Only a superadmin may call it.
// Marketing and branch manager accounts must name the branch they serve.
func (s *Service) CreateStaff(ctx context.Context, actor Actor, req CreateStaffRequest) (*User, error) {
	if actor.Role != RoleSuperAdmin {
		return nil, ErrForbidden
	}
	if err := validateAccount(req.Username, req.Email, req.Password); err != nil {
		return nil, err
	}

	role, ok := ParseRole(string(req.Role))
	if !ok || role == RoleCustomer {
		return nil, apperr.Rule("auth: invalid staff role %q", req.Role)
	}

	var branchID *string
	if id := strings.TrimSpace(req.BranchID); id != "" {
		branchID = &id
	}
	if role.BranchScoped() && branchID == nil {
		return nil, apperr.Rule("auth: role %s requires a branch", role)
	}
	if branchID != nil && s.branches != nil {
		exists, err := s.branches.Exists(ctx, *branchID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, apperr.NotFound("auth: branch %s not found", *branchID)
		}
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Username:     strings.TrimSpace(req.Username),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash: string(passwordHash),
		Role:         role,
		BranchID:     branchID,
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Login authenticates a user and returns a JWT access token plus a refresh
// token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if !user.Active {
		return LoginResult{}, ErrInvalidCredentials
	}

	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password))
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	return s.issue(ctx, user)
}

func (s *Service) issue(ctx context.Context, user User) (LoginResult, error) {
	token, err := s.generateToken(user.Actor())
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	refresh, hash, err := newRefreshToken()
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.repo.SaveRefreshToken(ctx, user.ID, hash, s.now().Add(s.refreshTTL)); err != nil {
		return LoginResult{}, err
	}

	return LoginResult{
		Token:        token,
		RefreshToken: refresh,
		User:         user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns the actor it was issued to.
func (s *Service) VerifyToken(tokenString string) (Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, ErrInvalidToken
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Actor{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Actor{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role, ok := ParseRole(roleStr)
	if !ok {
		return Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, roleStr)
	}
	branchID, _ := claims["branch_id"].(string)
	if role.BranchScoped() && branchID == "" {
		return Actor{}, fmt.Errorf("%w: role %s without branch", ErrInvalidToken, role)
	}

	return Actor{ID: userID, Role: role, BranchID: branchID}, nil
}

func (s *Service) generateToken(actor Actor) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": actor.ID,
		"role":    string(actor.Role),
		"exp":     now.Add(s.tokenTTL).Unix(),
		"iat":     now.Unix(),
	}
	if actor.BranchID != "" {
		claims["branch_id"] = actor.BranchID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func validateAccount(username, email, password string) error {
	if err := validatePassword(password); err != nil {
		return err
	}
	return validateIdentity(username, email)
}

func validateIdentity(username, email string) error {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(email) == "" {
		return apperr.Rule("auth: username and email are required")
	}
	if !strings.Contains(email, "@") {
		return apperr.Rule("auth: invalid email %q", email)
	}
	return nil
}
