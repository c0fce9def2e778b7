package auth

import (
	"context"
	"net/http"

	s3err "github.com/shoalstore/shoalstore/internal/errors"
	"github.com/shoalstore/shoalstore/internal/store"
	"github.com/shoalstore/shoalstore/internal/xmlutil"
)

// contextKey is an unexported type used for context keys to avoid collisions.
type contextKey int

const userKey contextKey = iota

// UserFromContext retrieves the authenticated user from the request context,
// or nil when the request was not authenticated.
func UserFromContext(ctx context.Context) *store.User {
	u, _ := ctx.Value(userKey).(*store.User)
	return u
}

// ContextWithUser sets the authenticated user on the given context.
func ContextWithUser(ctx context.Context, u *store.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// Middleware returns HTTP middleware that enforces AWS SigV4 authentication
// on every request. On success, the authenticated user is set on the request
// context.
func Middleware(verifier *SigV4Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := verifier.VerifyRequest(r)
			if err != nil {
				writeAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// writeAuthError maps an AuthError to the appropriate S3 error XML response.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	switch authErr.Code {
	case "InvalidRequest":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest)
	case "InvalidAccessKeyId":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidAccessKeyId)
	case "SignatureDoesNotMatch":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrSignatureDoesNotMatch)
	case "AccessDenied":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
	}
}
