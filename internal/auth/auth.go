package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/davidahmann/steward/internal/config"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

// Claims identify the caller. Admin callers may act for any tenant.
type Claims struct {
	Subject  string
	TenantID string
	Admin    bool
}

// CanAccess reports whether the caller may act on tenantID.
func (c Claims) CanAccess(tenantID string) bool {
	return c.Admin || (tenantID != "" && c.TenantID == tenantID)
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

type entry struct {
	token  []byte
	claims Claims
}

// TokenAuthenticator checks static bearer tokens.
type TokenAuthenticator struct {
	entries []entry
}

func NewTokenAuthenticator(cfg config.AuthConfig) *TokenAuthenticator {
	a := &TokenAuthenticator{}
	if cfg.AdminToken != "" {
		a.entries = append(a.entries, entry{token: []byte(cfg.AdminToken), claims: Claims{Subject: "admin", Admin: true}})
	}
	for _, tt := range cfg.Tenants {
		subject := tt.Subject
		if subject == "" {
			subject = tt.TenantID
		}
		a.entries = append(a.entries, entry{token: []byte(tt.Token), claims: Claims{Subject: subject, TenantID: tt.TenantID}})
	}
	return a
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}
	// no early exit
	var found *Claims
	for i := range a.entries {
		if subtle.ConstantTimeCompare(a.entries[i].token, []byte(bearer)) == 1 && found == nil {
			found = &a.entries[i].claims
		}
	}
	if found == nil {
		return Claims{}, ErrInvalidToken
	}
	return *found, nil
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
