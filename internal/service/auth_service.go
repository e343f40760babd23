package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/model"
	"github.com/stemsi/examroom/internal/repository"
)

// Common auth errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAdminNotFound      = errors.New("admin not found")
)

// TokenType distinguishes student vs admin tokens.
type TokenType string

const (
	TokenTypeStudent TokenType = "student"
	TokenTypeAdmin   TokenType = "admin"
)

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType   TokenType `json:"token_type"`
	UserID      int       `json:"user_id"`
	Permissions []string  `json:"permissions,omitempty"` // Admin only
}

// HasPermission reports whether the token carries the permission code.
func (c *Claims) HasPermission(code string) bool {
	for _, p := range c.Permissions {
		if p == code {
			return true
		}
	}
	return false
}

// AuthService handles password checks and JWT issuing and validation.
// Student tokens come from an external identity service; IssueStudentToken
// exists for development tooling.
type AuthService struct {
	cfg       *config.Config
	adminRepo *repository.AdminRepository
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, adminRepo *repository.AdminRepository) *AuthService {
	return &AuthService{cfg: cfg, adminRepo: adminRepo}
}

// HashPassword hashes a password with the configured bcrypt cost.
func (s *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	return string(hash), err
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func (s *AuthService) CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// AdminLogin verifies the credentials and returns a signed admin token.
// Unknown emails and wrong passwords are indistinguishable to the caller.
func (s *AuthService) AdminLogin(ctx context.Context, email, password string) (*model.AdminLoginResponse, error) {
	admin, err := s.adminRepo.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get admin: %w", err)
	}

	if err := s.CheckPassword(admin.PasswordHash, password); err != nil {
		return nil, err
	}

	token, err := s.GenerateAdminToken(admin.ID, admin.Permissions)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &model.AdminLoginResponse{Token: token, Admin: *admin}, nil
}

// GetAdmin retrieves the admin behind a token.
func (s *AuthService) GetAdmin(ctx context.Context, id int) (*model.Admin, error) {
	admin, err := s.adminRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAdminNotFound
		}
		return nil, err
	}
	return admin, nil
}

// CreateAdmin hashes the password and stores a new admin account.
func (s *AuthService) CreateAdmin(ctx context.Context, email, name, password string, permissions []string) (*model.Admin, error) {
	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	admin := &model.Admin{
		Email:        strings.ToLower(strings.TrimSpace(email)),
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Permissions:  permissions,
	}
	if err := s.adminRepo.Create(ctx, admin); err != nil {
		return nil, fmt.Errorf("create admin: %w", err)
	}
	return admin, nil
}

// IssueStudentToken creates a JWT for a student.
func (s *AuthService) IssueStudentToken(studentID int, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.cfg.JWTExpiry
	}
	return s.sign(Claims{
		RegisteredClaims: s.registered(studentID, ttl),
		TokenType:        TokenTypeStudent,
		UserID:           studentID,
	})
}

// GenerateAdminToken creates a JWT for an admin with permissions embedded.
func (s *AuthService) GenerateAdminToken(adminID int, permissions []string) (string, error) {
	return s.sign(Claims{
		RegisteredClaims: s.registered(adminID, s.cfg.JWTExpiry),
		TokenType:        TokenTypeAdmin,
		UserID:           adminID,
		Permissions:      permissions,
	})
}

func (s *AuthService) registered(subject int, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   strconv.Itoa(subject),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *AuthService) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID <= 0 {
		return nil, errors.New("token carries no user")
	}

	return claims, nil
}
