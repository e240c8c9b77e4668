package security

import (
	"errors"
	"time"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

type TokenClaims struct {
	UserID  string
	Role    string
	Ver     int64
	Exp     time.Time
	Issuer  string
	Subject string
}

type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (TokenClaims, error)
}
