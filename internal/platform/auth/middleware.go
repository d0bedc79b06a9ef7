package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/takeout-platform/api/internal/platform/httpx"
)

const (
	defaultRoleClaim     = "role"
	defaultFallbackRole  = RoleUser
	defaultVerifyTimeout = 5 * time.Second
	defaultQueryParam    = "token"
)

var (
	// ErrTokenExpired signals that the bearer token has expired.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid signals that the bearer token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Verifier converts a raw bearer token into an identity.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// Authenticator tries each configured verifier in order and enforces role requirements.
type Authenticator struct {
	verifiers    []Verifier
	fallbackRole string
	timeout      time.Duration
	queryParam   string
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithFallbackRole sets the role assigned when a token carries none.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		a.fallbackRole = normaliseRole(role)
	}
}

// WithVerificationTimeout bounds each verifier call.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithQueryTokenParam names the query parameter read by RequireQueryToken.
func WithQueryTokenParam(name string) Option {
	return func(a *Authenticator) {
		if name = strings.TrimSpace(name); name != "" {
			a.queryParam = name
		}
	}
}

// NewAuthenticator constructs an Authenticator. Nil verifiers are skipped.
func NewAuthenticator(verifiers []Verifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		fallbackRole: defaultFallbackRole,
		timeout:      defaultVerifyTimeout,
		queryParam:   defaultQueryParam,
	}
	for _, v := range verifiers {
		if v != nil {
			a.verifiers = append(a.verifiers, v)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Require verifies the Authorization bearer token and checks that the identity holds one of roles.
func (a *Authenticator) Require(roles ...string) func(http.Handler) http.Handler {
	return a.middleware(false, roles)
}

// RequireQueryToken behaves like Require but also accepts the token as a query parameter. Browsers cannot
// set headers on websocket handshakes.
func (a *Authenticator) RequireQueryToken(roles ...string) func(http.Handler) http.Handler {
	return a.middleware(true, roles)
}

// Authenticate verifies rawToken with the configured verifiers.
func (a *Authenticator) Authenticate(ctx context.Context, rawToken string) (*Identity, error) {
	if a == nil || len(a.verifiers) == 0 {
		return nil, errors.New("auth: no verifiers configured")
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var firstErr error
	for _, verifier := range a.verifiers {
		identity, err := verifier.Verify(ctx, rawToken)
		if err == nil {
			if len(identity.Roles) == 0 && a.fallbackRole != "" {
				identity.Roles = []string{a.fallbackRole}
			}
			return identity, nil
		}
		// An expired token is definitive; keep the most specific error.
		if firstErr == nil || errors.Is(err, ErrTokenExpired) {
			firstErr = err
		}
	}
	return nil, firstErr
}

func (a *Authenticator) middleware(allowQuery bool, roles []string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(roles))
	for _, role := range roles {
		if role = normaliseRole(role); role != "" {
			allowed = append(allowed, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok && allowQuery && a != nil {
				token = strings.TrimSpace(r.URL.Query().Get(a.queryParam))
				ok = token != ""
			}
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization token missing or invalid", http.StatusUnauthorized))
				return
			}

			identity, err := a.Authenticate(ctx, token)
			if err != nil {
				writeVerificationError(ctx, w, err)
				return
			}
			if len(identity.Roles) == 0 {
				httpx.WriteError(ctx, w, httpx.NewError("missing_role", "no roles associated with identity", http.StatusUnauthorized))
				return
			}
			if len(allowed) > 0 && !identity.HasAnyRole(allowed...) {
				httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		httpx.WriteError(ctx, w, httpx.NewError("token_expired", "token expired", http.StatusUnauthorized))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "token verification failed", http.StatusUnauthorized))
	}
}
