package utils

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type clientClaims struct {
	ClientKey string `json:"client_key"`
	jwt.RegisteredClaims
}

// GenerateClientToken signs a session token identifying one storefront client.
func GenerateClientToken(secret string, clientKey uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &clientClaims{
		ClientKey: clientKey.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientKey.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseClientToken validates the token and returns the embedded client key.
func ParseClientToken(secret, tokenString string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &clientClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, err
	}

	if claims, ok := token.Claims.(*clientClaims); ok && token.Valid {
		return uuid.Parse(claims.ClientKey)
	}

	return uuid.Nil, jwt.ErrTokenInvalidClaims
}
