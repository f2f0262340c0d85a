package services

import (
	"context"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
	"broker-api/internal/repository"

	"github.com/golang-jwt/jwt"
)

var (
	ErrInvalidToken = errors.Wrap(errors.ErrUnauthorized, "invalid token")
	ErrInactiveUser = errors.Wrap(errors.ErrUnauthorized, "user is not active")
)

// AuthService turns the bearer JWT issued by the account system into a
// principal. Login itself lives outside this service.
type AuthService interface {
	VerifyToken(ctx context.Context, token string) (*models.Principal, error)
}

type authService struct {
	userRepo  repository.UserRepository
	jwtSecret string
}

func NewAuthService(userRepo repository.UserRepository, jwtSecret string) AuthService {
	return &authService{
		userRepo:  userRepo,
		jwtSecret: jwtSecret,
	}
}

func (s *authService) VerifyToken(ctx context.Context, tokenString string) (*models.Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return nil, ErrInvalidToken
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !user.Active {
		return nil, ErrInactiveUser
	}

	// Role comes from the users table, not from the claim.
	return &models.Principal{UserID: user.ID, Role: user.Role}, nil
}
