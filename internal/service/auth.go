package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const Issuer = "postingrelay"

var ErrTokenInvalid = errors.New("token invalid")

// UserClaims is the access token payload accepted by the admin API.
type UserClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"sub"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 access token for an operator.
func IssueToken(secret []byte, op OperatorInfo, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		UserID:   op.UserID,
		Username: op.Name,
		Role:     op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates signature, expiry and issuer.
func ParseToken(secret []byte, raw string) (*OperatorInfo, error) {
	token, err := jwt.ParseWithClaims(raw, &UserClaims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return &OperatorInfo{UserID: claims.UserID, Name: claims.Username, Role: claims.Role}, nil
}
