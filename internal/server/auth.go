package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"reqflow/internal/domain"
	"reqflow/internal/logger"
)

// AuthConfig controls how callers are identified. With an empty JWTSecret
// the server trusts the X-Principal-* headers, which is meant for local use
// only.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Logger    *slog.Logger
}

func (c AuthConfig) devHeaders() bool {
	return strings.TrimSpace(c.JWTSecret) == ""
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}

// principalFromRequest returns the authenticated caller or a 401.
func principalFromRequest(ctx context.Context) (domain.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ID != "" {
		return p, nil
	}
	return domain.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

func authenticateJWT(token string, cfg AuthConfig) (domain.Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	claims := &jwtClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return domain.Principal{}, err
	}
	if !parsed.Valid {
		return domain.Principal{}, errors.New("invalid token")
	}
	return principalFrom(claims.Subject, claims.Name, claims.Role)
}

func principalFrom(id, name, role string) (domain.Principal, error) {
	id = strings.TrimSpace(id)
	if !domain.ValidID(id) {
		return domain.Principal{}, errors.New("subject must be a 24 character hex id")
	}
	r := domain.Role(strings.TrimSpace(role))
	if !r.Valid() {
		return domain.Principal{}, errors.New("unknown role")
	}
	return domain.Principal{ID: id, Name: strings.TrimSpace(name), Role: r}, nil
}

// SignToken mints an HS256 token for p. It backs `rf token`.
func SignToken(secret, issuer string, p domain.Principal, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.ID,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Name: p.Name,
		Role: string(p.Role),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
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

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			switch req.URL.Path {
			case healthPath, path.Join(basePath, "openapi.json"), path.Join(basePath, "docs"):
				next.ServeHTTP(w, req)
				return
			}

			var (
				principal domain.Principal
				err       error
			)
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			switch {
			case authz != "" && !cfg.devHeaders():
				token, ok := bearerToken(authz)
				if !ok {
					err = errors.New("malformed authorization header")
					break
				}
				principal, err = authenticateJWT(token, cfg)
			case cfg.devHeaders() && req.Header.Get("X-Principal-Id") != "":
				principal, err = principalFrom(req.Header.Get("X-Principal-Id"), req.Header.Get("X-Principal-Name"), req.Header.Get("X-Principal-Role"))
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				logger.FromContext(req.Context(), cfg.Logger).Debug("authentication failed", "error", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
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
