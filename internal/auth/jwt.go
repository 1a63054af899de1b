package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ageniuscoder/mmchat/msgsync/internal/convkey"
)

var (
	ErrNoSubject      = errors.New("token has no user_id")
	ErrInvalidSubject = errors.New("token user_id is not a valid participant id")
)

func subject(userID string) (string, error) {
	switch err := convkey.Valid(userID); {
	case errors.Is(err, convkey.ErrEmptyParticipant):
		return "", ErrNoSubject
	case err != nil:
		return "", ErrInvalidSubject
	}
	return convkey.Normalize(userID), nil
}

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func NewToken(secret, userID string, ttlmin int) (string, error) {
	userID, err := subject(userID)
	if err != nil {
		return "", err
	}
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(time.Duration(ttlmin) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			Issuer:    "mmchat",
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}

func ParseToken(secret, token string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (interface{}, error) {
		// Only HMAC (HS256, HS384, HS512) is accepted.
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID, err = subject(claims.UserID); err != nil {
		return nil, err
	}
	return claims, nil
}
