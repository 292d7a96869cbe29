// Package auth issues and validates the bearer tokens that gate every
// instrument operation. Users and the signing secret come from the server
// configuration, tokens are short lived JWTs carrying the subject and an
// access level claim.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"go.opentelemetry.io/otel"
	"golang.org/x/crypto/bcrypt"

	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/config"
	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/logging"
	"github.com/labctrl/instrument-mgmt/pkg/types"
)

var tracer = otel.Tracer("instrument-mgmt/auth")

var (
	ErrAuthRejected             = errors.New("username or password rejected")
	ErrTokenInvalid             = errors.New("token invalid or expired")
	ErrAccessLevelInsufficient  = errors.New("access level insufficient")
	ErrUnsupportedSigningMethod = errors.New("unsupported signing method")
)

type tokenContextKey struct{ name string }

var tokenCtxKey = &tokenContextKey{"token-data"}

// TokenData is what a validated token proves about its bearer.
type TokenData struct {
	Username    string
	AccessLevel types.AccessLevel
	Expires     time.Time
}

type Service struct {
	users    map[string]types.User
	tokens   *jwtauth.JWTAuth
	tokenTTL time.Duration
}

func New(cfg config.AuthConfig) (*Service, error) {
	alg := cfg.JWT.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	if !strings.HasPrefix(alg, "HS") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSigningMethod, alg)
	}

	users := make(map[string]types.User, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u
	}

	ttl := time.Duration(cfg.JWT.ExpireSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &Service{
		users:    users,
		tokens:   jwtauth.New(alg, []byte(cfg.JWT.Secret), nil),
		tokenTTL: ttl,
	}, nil
}

// Authenticate checks a username and password pair against the configured
// users. The error does not reveal whether the user exists.
func (s *Service) Authenticate(username, password string) (types.User, error) {
	user, ok := s.users[username]
	if !ok {
		// burn comparable time so unknown users are not distinguishable
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(password))
		return types.User{}, ErrAuthRejected
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)); err != nil {
		return types.User{}, ErrAuthRejected
	}
	return user, nil
}

// Issue signs a token for user. The access level travels as a claim so the
// server never needs a user lookup to authorize a request.
func (s *Service) Issue(user types.User) (string, time.Time, error) {
	claims := map[string]any{
		"sub":          user.Username,
		"access_level": int(user.AccessLevel),
	}
	jwtauth.SetIssuedNow(claims)
	jwtauth.SetExpiryIn(claims, s.tokenTTL)

	tok, signed, err := s.tokens.Encode(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("could not sign token: %w", err)
	}
	return signed, tok.Expiration(), nil
}

// Validate parses and verifies a compact token and returns its claims.
func (s *Service) Validate(tokenString string) (TokenData, error) {
	tok, err := jwtauth.VerifyToken(s.tokens, tokenString)
	if err != nil {
		return TokenData{}, fmt.Errorf("%w: %s", ErrTokenInvalid, err.Error())
	}

	level, ok := accessLevelClaim(tok.PrivateClaims()["access_level"])
	if !ok {
		return TokenData{}, fmt.Errorf("%w: missing access_level claim", ErrTokenInvalid)
	}

	return TokenData{
		Username:    tok.Subject(),
		AccessLevel: level,
		Expires:     tok.Expiration(),
	}, nil
}

func accessLevelClaim(v any) (types.AccessLevel, bool) {
	switch n := v.(type) {
	case float64:
		return types.AccessLevel(n), true
	case int64:
		return types.AccessLevel(n), true
	case int:
		return types.AccessLevel(n), true
	default:
		return 0, false
	}
}

// Authenticator rejects requests without a valid bearer token (401) and
// stores the token data in the request context for the handlers.
func (s *Service) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		logger := logging.GetLoggerFromContext(r.Context())

		_, span := tracer.Start(r.Context(), "check-auth")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			err = errors.New("authorization header missing")
			logger.Info().Msg(err.Error())
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		data, err := s.Validate(header[7:])
		if err != nil {
			logger.Info().Err(err).Msg("token rejected")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTokenData(r.Context(), data)))
	})
}

// RequireLevel gates a route group on a minimum access level (403 below it).
// It must run inside Authenticator.
func RequireLevel(level types.AccessLevel) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, ok := GetTokenDataFromContext(r.Context())
			if !ok || !data.AccessLevel.AtLeast(level) {
				logger := logging.GetLoggerFromContext(r.Context())
				logger.Info().
					Str("user", data.Username).
					Str("required", level.String()).
					Msg("access level insufficient")
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithTokenData(ctx context.Context, data TokenData) context.Context {
	return context.WithValue(ctx, tokenCtxKey, data)
}

func GetTokenDataFromContext(ctx context.Context) (TokenData, bool) {
	data, ok := ctx.Value(tokenCtxKey).(TokenData)
	return data, ok
}
