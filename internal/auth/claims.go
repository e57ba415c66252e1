package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for the dialer API.
// Tenancy invariant: OrganizationID is present on every token; every control
// call is scoped to it. Platform operators carry the super_admin role.
type Claims struct {
	jwt.RegisteredClaims

	RepID          string    `json:"rep_id"`
	OrganizationID string    `json:"organization_id"`
	Role           string    `json:"role"`
	TokenType      TokenType `json:"token_type"`
}
