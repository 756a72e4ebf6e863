package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"

	apperrors "github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/response"
	"github.com/carepoint/hospital/internal/shared/types"
)

type contextKey string

const (
	UserContextKey contextKey = "user"
)

// User represents the authenticated caller.
type User struct {
	ID        types.ID  `json:"user_id"`
	Role      Role      `json:"role"`
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// Is reports whether the user has one of the given roles.
func (u *User) Is(roles ...Role) bool {
	return HasAnyRole(u.Role, roles...)
}

// IsAdmin checks if user is an admin
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Authenticator resolves the caller of a request from its bearer token.
type Authenticator struct {
	issuer  *Issuer
	revoker Revoker
}

// NewAuthenticator creates an Authenticator. revoker may be nil.
func NewAuthenticator(issuer *Issuer, revoker Revoker) *Authenticator {
	return &Authenticator{issuer: issuer, revoker: revoker}
}

// Issuer returns the token issuer used for verification.
func (a *Authenticator) Issuer() *Issuer {
	return a.issuer
}

// Revoker returns the configured revocation store, or nil.
func (a *Authenticator) Revoker() Revoker {
	return a.revoker
}

// Authenticate verifies the token carried by r.
func (a *Authenticator) Authenticate(r *http.Request) (*User, error) {
	tokenString := TokenFromRequest(r)
	if tokenString == "" {
		return nil, apperrors.Unauthorized("Authentication required")
	}

	claims, err := a.issuer.Verify(tokenString)
	if err != nil {
		if err == ErrTokenExpired {
			return nil, apperrors.Unauthorized("Token expired")
		}
		return nil, apperrors.Unauthorized("Invalid token")
	}

	if a.revoker != nil && claims.ID != "" {
		revoked, err := a.revoker.IsRevoked(r.Context(), claims.ID)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("token revocation check failed")
		} else if revoked {
			return nil, apperrors.Unauthorized("Token revoked")
		}
	}

	user := &User{
		ID:      types.ID(claims.UserID),
		Role:    claims.Role,
		TokenID: claims.ID,
	}
	if claims.ExpiresAt != nil {
		user.ExpiresAt = claims.ExpiresAt.Time
	}
	return user, nil
}

// Middleware creates token authentication middleware
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.Authenticate(r)
		if err != nil {
			response.Error(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// TokenFromRequest returns the bearer token, falling back to the token query
// parameter used by download links.
func TokenFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}

// WithUser stores user in ctx.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUser extracts the user from request context
func GetUser(ctx context.Context) *User {
	user, ok := ctx.Value(UserContextKey).(*User)
	if !ok {
		return nil
	}
	return user
}

// CheckRoles returns an error unless user holds one of roles. An empty role
// list admits any authenticated user.
func CheckRoles(user *User, roles ...Role) error {
	if user == nil {
		return apperrors.Unauthorized("Authentication required")
	}
	if len(roles) > 0 && !user.Is(roles...) {
		return apperrors.Forbidden("Insufficient permissions")
	}
	return nil
}

// RequireRoles creates middleware that requires specific roles
func RequireRoles(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := CheckRoles(GetUser(r.Context()), roles...); err != nil {
				response.Error(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
