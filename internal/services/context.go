package services

import (
	"context"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
)

type contextKey string

const PrincipalContextKey contextKey = "principal"

// WithPrincipal stores the authenticated caller in ctx. Handlers read it
// back and pass it to services explicitly.
func WithPrincipal(ctx context.Context, principal *models.Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, principal)
}

func PrincipalFromContext(ctx context.Context) (*models.Principal, bool) {
	principal, ok := ctx.Value(PrincipalContextKey).(*models.Principal)
	return principal, ok && principal != nil
}

func requireAdmin(actor models.Principal) error {
	if !actor.IsAdmin() {
		return errors.Wrap(errors.ErrForbidden, "admin role required")
	}
	return nil
}
