package services

import (
	"context"
	"crypto/subtle"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
)

var (
	ErrBadAbilityToken   = errors.Wrap(errors.ErrUnauthorized, "invalid ability token")
	ErrAbilityDisabled   = errors.Wrap(errors.ErrForbidden, "ability is disabled")
	ErrBadInstanceSecret = errors.Wrap(errors.ErrUnauthorized, "invalid instance secret")
)

// AbilityLookup is the read side of the ability store used for token checks.
type AbilityLookup interface {
	GetByInstanceAndToken(ctx context.Context, instanceID, token string) (*models.UserInstanceAbility, error)
}

// InstanceLookup resolves an instance by id.
type InstanceLookup interface {
	GetByID(ctx context.Context, id string) (*models.ServiceInstance, error)
}

// TokenAuthority verifies ability tokens and instance secrets. Both checks
// are read-only.
type TokenAuthority struct {
	abilities AbilityLookup
	instances InstanceLookup
}

func NewTokenAuthority(abilities AbilityLookup, instances InstanceLookup) *TokenAuthority {
	return &TokenAuthority{abilities: abilities, instances: instances}
}

// VerifyUserToken resolves token to the user it was issued to on
// instanceID. Any lookup failure other than a storage error is reported as
// Unauthorized.
func (a *TokenAuthority) VerifyUserToken(ctx context.Context, instanceID, token string) (string, error) {
	if instanceID == "" || token == "" {
		return "", ErrBadAbilityToken
	}

	ability, err := a.abilities.GetByInstanceAndToken(ctx, instanceID, token)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return "", ErrBadAbilityToken
		}
		return "", err
	}
	if ability.InstanceID != instanceID {
		return "", ErrBadAbilityToken
	}
	if err := CheckAbility(ability, token); err != nil {
		return "", err
	}
	return ability.UserID, nil
}

// VerifyInstanceSecret checks presented against the secret stored in the
// instance config.
func (a *TokenAuthority) VerifyInstanceSecret(ctx context.Context, instanceID, presented string) error {
	instance, err := a.instances.GetByID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return ErrBadInstanceSecret
		}
		return err
	}
	return CompareSecret(instance.Secret(), presented)
}

// CheckAbility validates a looked-up ability against the presented token.
func CheckAbility(ability *models.UserInstanceAbility, token string) error {
	if ability == nil || !equalConstantTime(ability.Token, token) {
		return ErrBadAbilityToken
	}
	if !ability.CanUse {
		return ErrAbilityDisabled
	}
	return nil
}

// CompareSecret fails when either side is empty or the two differ.
func CompareSecret(expected, presented string) error {
	if expected == "" || !equalConstantTime(expected, presented) {
		return ErrBadInstanceSecret
	}
	return nil
}

func equalConstantTime(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
