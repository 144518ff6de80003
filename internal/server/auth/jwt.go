// Package auth issues and validates the session tokens that map a request to
// an owner identifier. Credential verification itself (signature checks
// against the identity provider) happens outside this package; auth only
// mints a session once that verification succeeded.
package auth

import (
	"time"

	"github.com/dmitrijs2005/driveback/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims includes the standard registered claims plus the owner identifier
// the session was issued for.
type Claims struct {
	jwt.RegisteredClaims
	Owner string
}

func GenerateToken(owner string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
		},
		Owner: owner,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func GetOwnerFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	})
	if err != nil {
		return "", err
	}

	if !token.Valid {
		return "", common.ErrInvalidToken
	}

	return claims.Owner, nil
}
