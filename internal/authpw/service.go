// Package authpw provides email/password accounts with OTP verification.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"qarisahab/api/internal/auth"
	"qarisahab/api/internal/rbac"
	"qarisahab/api/internal/store"
	"qarisahab/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNotVerified        = errors.New("account not verified")
	ErrDeactivated        = errors.New("account deactivated")
	ErrInvalidOTP         = errors.New("invalid or expired OTP")
)

// UserStore defines the storage interface for accounts
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	SetUserOTP(ctx context.Context, userID, otpHash string, expiresAt time.Time) error
	MarkUserVerified(ctx context.Context, userID string) error
}

// Service provides registration, OTP verification and sign-in.
type Service struct {
	store  UserStore
	otpTTL time.Duration
}

func NewService(store UserStore, otpTTL time.Duration) *Service {
	return &Service{store: store, otpTTL: otpTTL}
}

// RegisterRequest contains registration parameters
type RegisterRequest struct {
	Name     string
	Email    string
	Password string
	Phone    string
}

// RegisterResponse contains the created account and the OTP to deliver.
// The plain OTP never touches storage; only its hash does.
type RegisterResponse struct {
	UserID string
	OTP    string
}

// Register creates an unverified account and issues its OTP.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	if req.Name == "" || req.Email == "" || req.Password == "" {
		return nil, errors.New("name, email, and password are required")
	}
	if len(req.Password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, fmt.Errorf("email %s: %w", req.Email, store.ErrDuplicate)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	otp, err := auth.GenerateOTP()
	if err != nil {
		return nil, err
	}
	otpHash := auth.HashToken(otp)
	expiresAt := time.Now().Add(s.otpTTL)

	user := store.User{
		ID:           util.NewID("usr"),
		Name:         req.Name,
		Email:        req.Email,
		Phone:        strings.TrimSpace(req.Phone),
		PasswordHash: string(hash),
		Role:         string(rbac.RoleUser),
		IsActive:     true,
		IsVerified:   false,
		OTPHash:      otpHash,
		OTPExpiresAt: &expiresAt,
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	return &RegisterResponse{UserID: user.ID, OTP: otp}, nil
}

// VerifyOTP activates the account the code was issued for.
func (s *Service) VerifyOTP(ctx context.Context, email, otp string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	otp = strings.TrimSpace(otp)
	if email == "" || otp == "" {
		return ErrInvalidOTP
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return ErrInvalidOTP
	}
	if user.IsVerified {
		return nil
	}
	if user.OTPHash == "" || user.OTPExpiresAt == nil || time.Now().After(*user.OTPExpiresAt) {
		return ErrInvalidOTP
	}
	if auth.HashToken(otp) != user.OTPHash {
		return ErrInvalidOTP
	}

	return s.store.MarkUserVerified(ctx, user.ID)
}

// SignIn authenticates a verified, active account.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Burn a comparison so missing accounts cost the same as bad passwords.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(password))
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if !user.IsVerified {
		return store.User{}, ErrNotVerified
	}
	if !user.IsActive {
		return store.User{}, ErrDeactivated
	}
	return user, nil
}
