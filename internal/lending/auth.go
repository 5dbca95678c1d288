package lending

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
)

// ScopeAdmin grants the registry and risk-matrix write surface.
const ScopeAdmin = "admin"

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

type contextKey string

const (
	ctxKeySubject contextKey = "lending.subject"
	ctxKeyScopes  contextKey = "lending.scopes"
)

// Authenticator validates HS256 bearer tokens. A disabled or nil
// Authenticator lets every request through.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
}

// NewAuthenticator creates an authenticator from cfg.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

func (a *Authenticator) enabled() bool {
	return a != nil && a.cfg.Enabled
}

// RequireScope rejects requests whose token lacks any of scopes.
func (a *Authenticator) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !a.enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, ok := a.authenticate(w, r, extractBearer(r.Header.Get("Authorization")))
			if !ok {
				return
			}
			if !hasScopes(ScopesFromContext(r.Context()), scopes) {
				writeError(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOwner rejects requests whose token subject differs from the
// {param} URL parameter.
func (a *Authenticator) RequireOwner(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !a.enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, ok := a.authenticate(w, r, extractBearer(r.Header.Get("Authorization")))
			if !ok {
				return
			}
			if SubjectFromContext(r.Context()) != chi.URLParam(r, param) {
				writeError(w, "token subject does not own this obligation", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSubject rejects requests without a valid token carrying a
// subject. Browsers cannot set headers on a WebSocket handshake, so the
// token may also come from the access_token query parameter.
func (a *Authenticator) RequireSubject() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !a.enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r.Header.Get("Authorization"))
			if raw == "" {
				raw = r.URL.Query().Get("access_token")
			}
			r, ok := a.authenticate(w, r, raw)
			if !ok {
				return
			}
			if SubjectFromContext(r.Context()) == "" {
				writeError(w, "token has no subject", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) authenticate(w http.ResponseWriter, r *http.Request, raw string) (*http.Request, bool) {
	if raw == "" {
		writeError(w, "missing bearer token", http.StatusUnauthorized)
		return r, false
	}
	claims, err := a.parse(raw)
	if err != nil {
		slog.Warn("token validation failed", "error", err, "path", r.URL.Path)
		writeError(w, "invalid token", http.StatusUnauthorized)
		return r, false
	}
	sub, _ := claims.GetSubject()
	ctx := context.WithValue(r.Context(), ctxKeySubject, sub)
	ctx = context.WithValue(ctx, ctxKeyScopes, extractScopes(claims, a.cfg.ScopeClaim))
	return r.WithContext(ctx), true
}

func (a *Authenticator) parse(raw string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return nil, err
	}
	return claims, nil
}

// Issue signs a token for subject with the given scopes. Used by the
// token command and tests.
func (a *Authenticator) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth secret not configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":            subject,
		"iat":            now.Unix(),
		"exp":            now.Add(ttl).Unix(),
		a.cfg.ScopeClaim: strings.Join(scopes, " "),
	}
	if a.cfg.Issuer != "" {
		claims["iss"] = a.cfg.Issuer
	}
	if a.cfg.Audience != "" {
		claims["aud"] = a.cfg.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// SubjectFromContext returns the authenticated token subject.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeySubject).(string)
	return s
}

// ScopesFromContext returns the authenticated token scopes.
func ScopesFromContext(ctx context.Context) []string {
	s, _ := ctx.Value(ctxKeyScopes).([]string)
	return s
}

func extractBearer(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	switch v := claims[scopeClaim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(have, required []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
