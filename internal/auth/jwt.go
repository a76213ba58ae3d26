package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const CtxUserID ctxKey = "uid"

// ErrMissingSubject is returned for tokens without a sub claim
var ErrMissingSubject = errors.New("token has no subject")

// JWTCfg holds JWT authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	DevMode     bool   // Allow X-Debug-Sub header (DANGEROUS: only for local dev)
}

// UserResolver maps a token subject to the owner id records are stored under
type UserResolver interface {
	ResolveUser(ctx context.Context, sub string) (string, error)
}

// PGUsers resolves subjects against the app_user table, creating users on
// first sight
type PGUsers struct {
	DB *pgxpool.Pool
}

func (u PGUsers) ResolveUser(ctx context.Context, sub string) (string, error) {
	var userID string
	err := u.DB.QueryRow(ctx,
		`INSERT INTO app_user (sub) VALUES ($1)
		 ON CONFLICT (sub) DO UPDATE SET sub = excluded.sub
		 RETURNING id`, sub).Scan(&userID)
	return userID, err
}

// Middleware creates HTTP middleware for JWT authentication
// Supports two modes:
// 1. Production: Bearer token with HS256 validation
// 2. Development: X-Debug-Sub header (ONLY when DevMode=true)
func Middleware(users UserResolver, cfg JWTCfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := log.Ctx(r.Context())

			tok := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				tok = strings.TrimPrefix(h, "Bearer ")
			}

			sub := ""

			// X-Debug-Sub only counts when no token is presented
			if cfg.DevMode && tok == "" {
				sub = r.Header.Get("X-Debug-Sub")
				if sub != "" {
					logger.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if tok != "" {
				s, err := ValidateToken(tok, cfg)
				if err != nil {
					logger.Warn().Err(err).Msg("jwt validation failed")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				sub = s
			}

			if sub == "" {
				logger.Warn().Msg("missing subject (no JWT sub or X-Debug-Sub header)")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			userID, err := users.ResolveUser(r.Context(), sub)
			if err != nil {
				logger.Error().Err(err).Str("sub", sub).Msg("failed to upsert user")
				http.Error(w, "server error", http.StatusServiceUnavailable)
				return
			}

			ctx := context.WithValue(r.Context(), CtxUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ValidateToken checks an HS256 token and returns its subject
func ValidateToken(tok string, cfg JWTCfg) (string, error) {
	if cfg.HS256Secret == "" {
		return "", errors.New("no signing secret configured")
	}

	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.HS256Secret), nil
	})
	if err != nil {
		return "", err
	}
	if !t.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", ErrMissingSubject
	}
	return sub, nil
}

// SignHS256 issues a token for sub, used by self-hosted workers and tests
func SignHS256(secret, sub string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// UserID extracts the authenticated user ID from request context
// Returns empty string if not authenticated (should never happen after middleware)
func UserID(ctx context.Context) string {
	if v := ctx.Value(CtxUserID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithUserID returns a context carrying userID, as the middleware would
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, CtxUserID, userID)
}
