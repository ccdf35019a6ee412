// Package auth verifies the bearer tokens that identify a user and device on
// every WebSocket and HTTP API request.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenExpiry is the lifetime of tokens issued by SignToken.
const DefaultTokenExpiry = 24 * time.Hour

// ErrUnauthenticated is returned for missing, malformed, expired or forged
// tokens.
var ErrUnauthenticated = errors.New("unauthenticated")

// RoleService marks tokens issued to backend services such as the REST layer.
const RoleService = "service"

// Identity is the authenticated principal of a connection or request. Role is
// empty for end users.
type Identity struct {
	UserID   string
	DeviceID string
	Role     string
}

// Authenticator resolves a token to an Identity.
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	DeviceID string `json:"device_id,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies HS256 tokens.
type JWTService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewJWTService creates a JWT service with the given shared secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
		expiry: DefaultTokenExpiry,
		now:    time.Now,
	}
}

// SignToken issues a token for a user and device. It exists for the REST
// layer and for tests; the Coordinator itself only verifies.
func (s *JWTService) SignToken(userID, deviceID string) (string, error) {
	return s.sign(userID, deviceID, "")
}

// SignServiceToken issues a token carrying RoleService for a backend service.
func (s *JWTService) SignServiceToken(service string) (string, error) {
	return s.sign(service, "", RoleService)
}

func (s *JWTService) sign(userID, deviceID, role string) (string, error) {
	now := s.now()
	claims := &Claims{
		DeviceID: deviceID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken verifies and parses a token.
func (s *JWTService) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Authenticate implements Authenticator.
func (s *JWTService) Authenticate(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("missing token: %w", ErrUnauthenticated)
	}
	claims, err := s.VerifyToken(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("token has no subject: %w", ErrUnauthenticated)
	}
	return Identity{UserID: claims.Subject, DeviceID: claims.DeviceID, Role: claims.Role}, nil
}
