package auth

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestValidatePassword(t *testing.T) {
	cases := map[string]bool{
		"Passw0rd!":      true,
		"aB3$aB3$":       true,
		"Xy9&Xy9&Xy9&":   true,
		"Pa0!":           false,
		"password1!":     false,
		"PASSWORD1!":     false,
		"Password!!":     false,
		"Password11":     false,
		"Passw0rd#":      false,
		"Passw0rd! ":     false,
		"Pässw0rd!":      false,
		"":               false,
		"correct-horse1": false,
	}
	for in, ok := range cases {
		err := validatePassword(in)
		if ok && err != nil {
			t.Errorf("validatePassword(%q) = %v, want nil", in, err)
		}
		if !ok && !errors.Is(err, ErrWeakPassword) {
			t.Errorf("validatePassword(%q) = %v, want ErrWeakPassword", in, err)
		}
	}
}

func TestService_RegisterRejectsWeakPasswords(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret-0123456789")
	for _, pw := range []string{"alllowercase1!", "NoDigits!!", "N0special1"} {
		_, err := svc.Register(context.Background(), RegisterRequest{Username: "u", Email: "u@example.com", Password: pw})
		if !errors.Is(err, ErrWeakPassword) {
			t.Fatalf("register with %q: expected ErrWeakPassword, got %v", pw, err)
		}
	}
}

func TestService_ChangePassword(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret-0123456789")
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Username: "rina", Email: "rina@example.com", Password: "0ldPass!"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	login, err := svc.Login(ctx, LoginRequest{Username: "rina", Password: "0ldPass!"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	actor := user.Actor()

	err = svc.ChangePassword(ctx, actor, ChangePasswordRequest{OldPassword: "wrong", NewPassword: "N3wPass!"})
	if !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
	err = svc.ChangePassword(ctx, actor, ChangePasswordRequest{OldPassword: "0ldPass!", NewPassword: "weak"})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := svc.ChangePassword(ctx, actor, ChangePasswordRequest{OldPassword: "0ldPass!", NewPassword: "N3wPass!"}); err != nil {
		t.Fatalf("change password: %v", err)
	}

	stored, _ := repo.GetUserByID(ctx, user.ID)
	if bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("N3wPass!")) != nil {
		t.Fatal("new password hash not stored")
	}
	if _, err := svc.Login(ctx, LoginRequest{Username: "rina", Password: "0ldPass!"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := svc.Refresh(ctx, RefreshRequest{RefreshToken: login.RefreshToken}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token issued before the change should be revoked, got %v", err)
	}
}
