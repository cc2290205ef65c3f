package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"storefront-payment-api/models"
)

const DefaultTokenDuration = 30 * time.Minute

const tokenTypeAccess = "access"

var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

type JWTService struct {
	secretKey []byte
	issuer    string
	duration  time.Duration
	now       func() time.Time
}

type Claims struct {
	UserID    int64  `json:"user_id"`
	Email     string `json:"email,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

func NewJWTService(secretKey, issuer string, duration time.Duration) *JWTService {
	if duration <= 0 {
		duration = DefaultTokenDuration
	}
	return &JWTService{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		duration:  duration,
		now:       time.Now,
	}
}

// IssueToken is called on behalf of the storefront, which has already
// authenticated the user through its own session.
func (j *JWTService) IssueToken(user models.AuthUser) (*models.AuthResponse, error) {
	if user.UserID <= 0 {
		return nil, fmt.Errorf("invalid user id %d", user.UserID)
	}
	expiresAt := j.now().Add(j.duration)
	token, err := j.GenerateToken(user, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("error generating access token: %w", err)
	}
	return &models.AuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	}, nil
}

func (j *JWTService) GenerateToken(user models.AuthUser, expiresAt time.Time) (string, error) {
	now := j.now()
	claims := Claims{
		UserID:    user.UserID,
		Email:     user.Email,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.UserID, 10),
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

// ValidateToken returns the user a bearer token was issued for.
func (j *JWTService) ValidateToken(tokenString string) (*models.AuthUser, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithIssuer(j.issuer), jwt.WithTimeFunc(j.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenType != tokenTypeAccess || claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}

	return &models.AuthUser{
		UserID: claims.UserID,
		Email:  claims.Email,
	}, nil
}
