package services

import (
	"errors"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/pkg/utils"
	"rillcall/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

const tokenIssuer = "rillcall-relay"

type Claims struct {
	UserID domain.UserID `json:"user_id"`
	jwt.RegisteredClaims
}

// RelayAuthService issues and checks the HS256 tokens relay clients
// present when connecting.
type RelayAuthService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	clock     utils.Clock
}

func NewRelayAuthService(jwtSecret string, tokenTTL time.Duration) *RelayAuthService {
	return &RelayAuthService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		clock:     utils.SystemClock,
	}
}

func (s *RelayAuthService) GenerateToken(userID domain.UserID) (string, error) {
	if err := validation.ValidateUserID(string(userID)); err != nil {
		return "", err
	}

	now := s.clock.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   string(userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *RelayAuthService) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.clock.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// ValidateToken implements ports.TokenValidator.
func (s *RelayAuthService) ValidateToken(tokenString string) (domain.UserID, error) {
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// TTL is the lifetime of newly issued tokens.
func (s *RelayAuthService) TTL() time.Duration {
	return s.tokenTTL
}
