package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

// Claims identify an account. Subject is the account id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) IsAdmin() bool { return c.Role == RoleAdmin }

// AuthManager verifies HS256 bearer tokens issued for accounts.
type AuthManager struct {
	secret []byte
	issuer string
}

func NewAuthManager(secret, issuer string) *AuthManager {
	return &AuthManager{secret: []byte(secret), issuer: issuer}
}

// Mint issues a token for accountID; used by the seed tool and tests.
func (a *AuthManager) Mint(accountID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseFromRequest reads the bearer token from the Authorization header,
// falling back to ?access_token= for websocket clients that cannot set headers.
func (a *AuthManager) ParseFromRequest(r *http.Request) (*Claims, error) {
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		if len(hdr) > 7 && strings.EqualFold(hdr[:7], "bearer ") {
			return a.parse(strings.TrimSpace(hdr[7:]))
		}
		return nil, errors.New("malformed authorization header")
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return a.parse(tok)
	}
	return nil, errors.New("missing token")
}

func (a *AuthManager) parse(tok string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !tkn.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Identity adapts the manager to the realtime handler.
func (a *AuthManager) Identity(r *http.Request) (string, bool, bool) {
	c, err := a.ParseFromRequest(r)
	if err != nil {
		return "", false, false
	}
	return c.Subject, c.IsAdmin(), true
}

type claimsKey struct{}

func withClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the caller set by Authenticate.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}
