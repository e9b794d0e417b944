// ABOUTME: JWT token verification for authenticating agents and administrators
// ABOUTME: Uses HS256 signing with configurable secret; claims carry role and department

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and builds the identity from its claims.
// Citizen and system roles cannot be carried by a token.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	role := Role(stringClaim(claims, "role"))
	switch role {
	case RoleAgent, RoleAdmin:
	case "":
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	default:
		return nil, fmt.Errorf("%w: role %q not allowed in tokens", ErrInvalidToken, role)
	}

	return &Identity{
		Subject:      sub,
		Name:         stringClaim(claims, "name"),
		Role:         role,
		DepartmentID: stringClaim(claims, "dept"),
	}, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

// Generate creates a signed token for id that expires after expiresIn.
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	if id.Role != RoleAgent && id.Role != RoleAdmin {
		return "", fmt.Errorf("cannot issue token for role %q", id.Role)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  id.Subject,
		"role": string(id.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	if id.Name != "" {
		claims["name"] = id.Name
	}
	if id.DepartmentID != "" {
		claims["dept"] = id.DepartmentID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
