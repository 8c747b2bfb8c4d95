package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errInvalidSessionToken = errors.New("invalid session token")
	errMissingSessionID    = errors.New("session id claim must be provided")
)

// sessionClaims is the payload of a session token. The jti names the session
// row; the subject is the local user id.
type sessionClaims = jwt.RegisteredClaims

// sessionTokenCodec signs and parses HS256 session tokens.
type sessionTokenCodec struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

func (c sessionTokenCodec) sign(sessionID, userID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := sessionClaims{
		ID:        sessionID,
		Subject:   userID,
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingSecret)
}

// parse verifies the signature and issuer. Expiry is enforced unless
// ignoreExpiry is set, which revocation uses so stale cookies can still be
// cleared server side.
func (c sessionTokenCodec) parse(tokenString string, ignoreExpiry bool) (sessionClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.clock),
	}
	if ignoreExpiry {
		options = append(options, jwt.WithoutClaimsValidation())
	} else {
		options = append(options, jwt.WithIssuer(c.issuer), jwt.WithExpirationRequired())
	}

	claims := sessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		strings.TrimSpace(tokenString),
		&claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
			}
			return c.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		return sessionClaims{}, err
	}
	if parsed == nil || !parsed.Valid {
		return sessionClaims{}, errInvalidSessionToken
	}
	if ignoreExpiry && claims.Issuer != c.issuer {
		return sessionClaims{}, errInvalidSessionToken
	}
	if strings.TrimSpace(claims.ID) == "" {
		return sessionClaims{}, errMissingSessionID
	}
	return claims, nil
}
