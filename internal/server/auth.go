package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"taskfeed/internal/policy"
)

type AuthConfig struct {
	JWTSecret       string
	DevLoginEnabled bool
	Logger          *log.Logger
}

type viewerKey struct{}

func withViewer(ctx context.Context, v policy.Viewer) context.Context {
	return context.WithValue(ctx, viewerKey{}, v)
}

// viewerFromContext returns the request's verified identity. The zero
// Viewer means the request carried no credentials.
func viewerFromContext(ctx context.Context) policy.Viewer {
	v, _ := ctx.Value(viewerKey{}).(policy.Viewer)
	return v
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

func authenticateJWT(token, secret string) (policy.Viewer, error) {
	if strings.TrimSpace(secret) == "" {
		return policy.Viewer{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return policy.Viewer{}, err
	}
	if !parsed.Valid {
		return policy.Viewer{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return policy.Viewer{}, errors.New("subject claim required")
	}
	return policy.Viewer{ID: claims.Subject, Email: claims.Email}, nil
}

// SignToken mints an HS256 token carrying the identity-provider shape this
// service verifies. Used by the dev login endpoint and the CLI.
func SignToken(secret, userID, email string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware verifies bearer tokens when present. Requests without
// credentials continue as anonymous; the listing contract serves them a
// restricted view and mutations reject them at the policy layer.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			v, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withViewer(req.Context(), v)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
