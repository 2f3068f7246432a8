package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

type contextKey string

const principalKey contextKey = "principal"

// devPrincipal is attached to every request when auth is disabled.
var devPrincipal = &Principal{Subject: "dev", Role: RoleOperator, Scopes: ScopesForRole(RoleOperator)}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller attached by the middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// Middleware authenticates HTTP and gRPC callers.
type Middleware struct {
	tokens   *TokenManager
	skipAuth bool
	logger   *zap.Logger
}

// NewMiddleware creates the middleware. With skipAuth every caller is an operator.
func NewMiddleware(tokens *TokenManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{tokens: tokens, skipAuth: skipAuth, logger: logger}
}

// HTTPMiddleware requires a bearer token. Websocket upgrades may pass it as
// the access_token query parameter because browsers cannot set headers there.
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), devPrincipal)))
			return
		}

		var token string
		if header := r.Header.Get("Authorization"); header != "" {
			t, err := ExtractBearerToken(header)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err)
				return
			}
			token = t
		} else if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeAuthError(w, http.StatusUnauthorized, sdkerrors.Authentication("AUTH_REQUIRED", "authentication is required"))
			return
		}

		p, err := m.tokens.Verify(token)
		if err != nil {
			m.logger.Debug("Rejected token", zap.String("path", r.URL.Path), zap.Error(err))
			writeAuthError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireScope wraps next so only principals holding scope reach it.
func RequireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := CheckScope(r.Context(), scope); err != nil {
			code := http.StatusForbidden
			if sdkerrors.CodeOf(err) == "AUTH_REQUIRED" {
				code = http.StatusUnauthorized
			}
			writeAuthError(w, code, err)
			return
		}
		next(w, r)
	}
}

// CheckScope reports whether the caller on ctx holds scope.
func CheckScope(ctx context.Context, scope string) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return sdkerrors.Authentication("AUTH_REQUIRED", "missing principal")
	}
	if !p.HasScope(scope) {
		return sdkerrors.Authentication("SCOPE_MISSING", "missing required scope: "+scope).
			WithDetail("scope", scope)
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, code int, err error) {
	body := map[string]interface{}{"error": err.Error()}
	var sdkErr *sdkerrors.Error
	if errors.As(err, &sdkErr) {
		body = sdkErr.ToMap()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// UnaryServerInterceptor authenticates gRPC calls from the authorization metadata.
func (m *Middleware) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		if m.skipAuth {
			return handler(WithPrincipal(ctx, devPrincipal), req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		headers := md.Get("authorization")
		if len(headers) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing authentication")
		}
		token, err := ExtractBearerToken(headers[0])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		p, err := m.tokens.Verify(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(WithPrincipal(ctx, p), req)
	}
}
