package httpapi

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTypeAccess    = "access"
	tokenTypeChallenge = "otp_challenge"
	tokenTypeSetup     = "setup"

	defaultAccessExpiry = 8 * time.Hour
	challengeExpiry     = 10 * time.Minute
	setupTokenExpiry    = 15 * time.Minute
)

var errWrongTokenType = errors.New("wrong token type")

type tokenClaims struct {
	Type     string `json:"typ"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	Purpose  string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

type tokenIssuer struct {
	key          []byte
	accessExpiry time.Duration
	now          func() time.Time
}

func newTokenIssuer(secret string, accessExpiry time.Duration) *tokenIssuer {
	key := []byte(secret)
	if secret == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("failed to generate JWT key: " + err.Error())
		}
	}
	if accessExpiry <= 0 {
		accessExpiry = defaultAccessExpiry
	}
	return &tokenIssuer{key: key, accessExpiry: accessExpiry, now: time.Now}
}

func (t *tokenIssuer) sign(c tokenClaims, ttl time.Duration) (string, error) {
	now := t.now()
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.key)
}

func (t *tokenIssuer) issueAccess(userID, username, email, role string) (string, error) {
	return t.sign(tokenClaims{
		Type:             tokenTypeAccess,
		Username:         username,
		Email:            email,
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, t.accessExpiry)
}

func (t *tokenIssuer) issueChallenge(userID, purpose string) (string, error) {
	return t.sign(tokenClaims{
		Type:             tokenTypeChallenge,
		Purpose:          purpose,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, challengeExpiry)
}

func (t *tokenIssuer) issueSetup(userID string) (string, error) {
	return t.sign(tokenClaims{
		Type:             tokenTypeSetup,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, setupTokenExpiry)
}

// parse validates signature and expiry and requires the given typ claim.
func (t *tokenIssuer) parse(tokenStr, wantType string) (*tokenClaims, error) {
	var c tokenClaims
	_, err := jwt.ParseWithClaims(tokenStr, &c, func(*jwt.Token) (any, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if c.Type != wantType || c.Subject == "" {
		return nil, errWrongTokenType
	}
	return &c, nil
}
