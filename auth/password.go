package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"loanflow/apperr"
)

// passwordSpecials is the punctuation a password must draw on. Nothing outside
// letters, digits and this set is accepted.
const passwordSpecials = "@$!%*?&"

// ErrWrongPassword signals a change-password request with the wrong current
// password. It is a rule violation rather than an authentication failure; the
// caller's session stays valid.
var ErrWrongPassword = apperr.Rule("auth: current password is incorrect")

func validatePassword(p string) error {
	if len(p) < 8 {
		return ErrWeakPassword
	}
	var lower, upper, digit, special bool
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		default:
			return ErrWeakPassword
		}
	}
	if !lower || !upper || !digit || !special {
		return ErrWeakPassword
	}
	return nil
}

// ChangePassword replaces the caller's password after checking the current
// one. Every refresh token of the account is revoked with it.
func (s *Service) ChangePassword(ctx context.Context, actor Actor, req ChangePasswordRequest) error {
	user, err := s.repo.GetUserByID(ctx, actor.ID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.OldPassword)); err != nil {
		return ErrWrongPassword
	}
	if req.NewPassword == req.OldPassword {
		return apperr.Rule("auth: new password must differ from the current one")
	}
	if err := validatePassword(req.NewPassword); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	if err := s.repo.UpdatePassword(ctx, user.ID, string(hash)); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	return nil
}
