package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SecretKey signs the short-lived tokens attached to pull-API requests.
// Overridden from the environment at startup.
var SecretKey = []byte("teleclinic-engine-dev-secret")

type Claims struct {
	DoctorUserID   int64  `json:"doctor_user_id"`
	DoctorUserUUID string `json:"doctor_user_uuid"`
	jwt.RegisteredClaims
}

func GenerateToken(doctorUserID int64, doctorUserUUID string) (string, error) {
	claims := Claims{
		DoctorUserID:   doctorUserID,
		DoctorUserUUID: doctorUserUUID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(SecretKey)
}

func ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return SecretKey, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
