// Package identity derives the chat participant from an access token.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kubilitics/ticketchat/internal/models"
)

var ErrNoToken = errors.New("access token is required")

// DefaultTokenExpiry is the lifetime of tokens minted by IssueToken.
const DefaultTokenExpiry = 8 * time.Hour

// Claims are the access token claims the chat cares about.
type Claims struct {
	jwt.RegisteredClaims
	UserID       string `json:"user_id"`
	Name         string `json:"name,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Role         string `json:"role,omitempty"`
	EmployeeCode string `json:"employee_code,omitempty"`
}

// ParticipantID returns user_id, falling back to the subject.
func (c *Claims) ParticipantID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// DisplayName prefers the full name, then first and last name, then the
// employee code, then "You".
func (c *Claims) DisplayName() string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	if n := strings.TrimSpace(c.FirstName + " " + c.LastName); n != "" {
		return n
	}
	if c.EmployeeCode != "" {
		return c.EmployeeCode
	}
	return "You"
}

// Participant converts the claims into the chat participant.
func (c *Claims) Participant() models.Participant {
	role := c.Role
	if role == "" {
		role = models.DefaultRole
	}
	return models.Participant{
		ID:           c.ParticipantID(),
		Name:         c.DisplayName(),
		Role:         role,
		EmployeeCode: c.EmployeeCode,
	}
}

// ParseUnverified reads the claims without checking the signature. Clients use
// it to learn who they are; the chat server is the verifier.
func ParseUnverified(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return claims, nil
}

// Resolve returns the local participant for tokenString. Non-empty fields of
// override win over the token's claims.
func Resolve(tokenString string, override models.Participant) (models.Participant, error) {
	p := models.Participant{}
	if tokenString != "" {
		claims, err := ParseUnverified(tokenString)
		if err != nil {
			return models.Participant{}, err
		}
		p = claims.Participant()
	}

	if override.ID != "" {
		p.ID = override.ID
	}
	if override.Name != "" {
		p.Name = override.Name
	}
	if override.Role != "" {
		p.Role = override.Role
	}
	if override.EmployeeCode != "" {
		p.EmployeeCode = override.EmployeeCode
	}
	if p.Name == "" {
		p.Name = "You"
	}
	if p.Role == "" {
		p.Role = models.DefaultRole
	}

	if !p.Valid() {
		return models.Participant{}, fmt.Errorf("access token carries no user id")
	}
	return p, nil
}

// IssueToken returns an HS256 token for p. The development relay and tests use it.
func IssueToken(secret string, p models.Participant, expiry time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("jwt secret is required")
	}
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
		UserID:       p.ID,
		Name:         p.Name,
		Role:         p.Role,
		EmployeeCode: p.EmployeeCode,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Validate parses tokenString and verifies its HMAC signature and expiry.
func Validate(secret, tokenString string) (*Claims, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if tokenString == "" {
		return nil, ErrNoToken
	}
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
