package ports

import "rillcall/internal/core/domain"

// TokenValidator resolves a bearer token to the user it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (domain.UserID, error)
}
