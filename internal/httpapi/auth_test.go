package httpapi

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/store"
)

type userStoreStub struct {
	users map[string]domain.UserAccount
}

func (s *userStoreStub) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func newStubAuth(t *testing.T) *AuthManager {
	t.Helper()
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	stub := &userStoreStub{users: map[string]domain.UserAccount{
		"maya":   {Username: "maya", Password: hash, Role: roleStaff, TenantID: "shop-9", Active: true},
		"legacy": {Username: "legacy", Password: "plaintext", Role: roleAdmin, TenantID: "shop-9", Active: true},
	}}
	return NewAuthManager(testSecret, 30*time.Minute, stub)
}

func TestLoginIssuesTenantScopedToken(t *testing.T) {
	auth := newStubAuth(t)
	fixed := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)
	auth.now = func() time.Time { return fixed }

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: " Maya ", Password: "s3cret-pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.TenantID != "shop-9" || resp.Role != roleStaff {
		t.Fatalf("unexpected login response %+v", resp)
	}
	if resp.ExpiresAt != "2020-05-01T12:30:00Z" {
		t.Fatalf("expected expiry after token ttl, got %s", resp.ExpiresAt)
	}

	auth.now = func() time.Time { return time.Now().UTC() }
	actor, err := auth.ParseToken(resp.AccessToken)
	if err == nil {
		t.Fatalf("expected token minted in the past to be expired, got %+v", actor)
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	auth := newStubAuth(t)
	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "maya", Password: "s3cret-pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "maya" || actor.TenantID != "shop-9" || actor.Role != roleStaff {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsPlaintextStoredPassword(t *testing.T) {
	auth := newStubAuth(t)
	_, err := auth.Login(context.Background(), domain.LoginRequest{Username: "legacy", Password: "plaintext"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unhashed password, got %v", err)
	}
}

func TestParseTokenRequiresTenant(t *testing.T) {
	auth := newStubAuth(t)
	token, err := auth.Sign(domain.Actor{Username: "maya", Role: roleStaff}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil || !strings.Contains(err.Error(), "tenant") {
		t.Fatalf("expected tenant error, got %v", err)
	}
}

func TestParseTokenRejectsForeignIssuer(t *testing.T) {
	auth := newStubAuth(t)
	claims := operatorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "maya",
			Issuer:    "someone-else",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role:     roleAdmin,
		TenantID: "shop-9",
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected foreign issuer to be rejected")
	}
}

func TestParseTokenRejectsNoneAlgorithm(t *testing.T) {
	auth := newStubAuth(t)
	claims := operatorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{Subject: "maya", Issuer: tokenIssuer},
		Role:             roleAdmin,
		TenantID:         "shop-9",
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, claims).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected unsigned token to be rejected")
	}
}
