package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// newRefreshToken returns an opaque token for the client and the digest kept
// in storage. Only the digest is ever persisted.
func newRefreshToken() (token, digest string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generate refresh token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, hashRefreshToken(token), nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Refresh exchanges a live refresh token for a new access token and a new
// refresh token. The presented token is revoked; replaying it fails.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (LoginResult, error) {
	presented := strings.TrimSpace(req.RefreshToken)
	if presented == "" {
		return LoginResult{}, ErrInvalidToken
	}
	next, digest, err := newRefreshToken()
	if err != nil {
		return LoginResult{}, err
	}
	now := s.now()
	user, err := s.repo.RotateRefreshToken(ctx, hashRefreshToken(presented), digest, now, now.Add(s.refreshTTL))
	if err != nil {
		return LoginResult{}, err
	}
	token, err := s.generateToken(user.Actor())
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, RefreshToken: next, User: user}, nil
}

// Logout revokes a refresh token. Access tokens stay valid until they expire.
func (s *Service) Logout(ctx context.Context, req RefreshRequest) error {
	presented := strings.TrimSpace(req.RefreshToken)
	if presented == "" {
		return nil
	}
	return s.repo.RevokeRefreshToken(ctx, hashRefreshToken(presented))
}
