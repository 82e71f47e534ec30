package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	ownerClaimsKey contextKey = "ownerClaims"
	adminClaimsKey contextKey = "adminClaims"
)

// OwnerClaims identify the student. Subject is the owner id; the consent
// claims mirror what the student agreed to at sign-up.
type OwnerClaims struct {
	ConsentDataStorage      bool `json:"consent_data_storage"`
	ConsentScreeningStorage bool `json:"consent_screening_storage"`
	jwt.RegisteredClaims
}

// CounselorClaims identify campus staff on the admin surface.
type CounselorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var counselorRoles = []string{"counselor", "admin"}

// OwnerJWT requires an HMAC-signed owner token. With an empty secret every
// request passes unauthenticated and handlers trust the owner id in the body.
func OwnerJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var claims OwnerClaims
			if err := parseBearer(r, secret, &claims); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if strings.TrimSpace(claims.Subject) == "" {
				http.Error(w, "token has no subject", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ownerClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminJWT requires a counselor token. With an empty secret the admin surface
// is closed.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "admin auth disabled", http.StatusUnauthorized)
				return
			}
			var claims CounselorClaims
			if err := parseBearer(r, secret, &claims); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if !slices.Contains(counselorRoles, strings.ToLower(claims.Role)) {
				http.Error(w, "counselor role required", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), adminClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a WebSocket handshake, so upgrades may pass access_token in the query.
func bearerToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), true
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, true
		}
	}
	return "", false
}

func parseBearer(r *http.Request, secret string, claims jwt.Claims) error {
	raw, ok := bearerToken(r)
	if !ok {
		return errors.New("missing authorization header")
	}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// OwnerClaimsFromContext returns owner claims when the request was authenticated.
func OwnerClaimsFromContext(ctx context.Context) (OwnerClaims, bool) {
	claims, ok := ctx.Value(ownerClaimsKey).(OwnerClaims)
	return claims, ok
}

func CounselorClaimsFromContext(ctx context.Context) (CounselorClaims, bool) {
	claims, ok := ctx.Value(adminClaimsKey).(CounselorClaims)
	return claims, ok
}
