// Package auth issues and verifies the bearer tokens of traders and
// administrators. User identities live upstream; this service only trusts
// tokens it signed.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Service struct {
	issuer string
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	adminUsername string
	adminHash     []byte
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func NewService(issuer string, secret []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{issuer: issuer, secret: secret, ttl: ttl, now: time.Now}
}

// SetAdmin configures the single administrator account. An empty username
// disables admin login.
func (s *Service) SetAdmin(username, passwordHash string) {
	s.adminUsername = strings.TrimSpace(username)
	s.adminHash = []byte(passwordHash)
}

func (s *Service) IssueToken(userID, role string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("subject is required")
	}
	if role == "" {
		role = RoleUser
	}
	now := s.now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

func (s *Service) ParseToken(token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Role == "" {
		claims.Role = RoleUser
	}
	return claims, nil
}

// AdminLogin checks the administrator password with bcrypt and returns an
// admin token.
func (s *Service) AdminLogin(username, password string) (string, error) {
	if s.adminUsername == "" || len(s.adminHash) == 0 {
		return "", ErrInvalidCredentials
	}
	if strings.TrimSpace(username) != s.adminUsername {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(s.adminHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(s.adminUsername, RoleAdmin)
}

// HashPassword is what the genhash command prints for ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
