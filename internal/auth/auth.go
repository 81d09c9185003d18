// Package auth verifies bearer credentials presented to the command gateway.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Scopes understood by the gateway.
const (
	ScopeAll           = "*"
	ScopeCommandsExec  = "commands:exec"
	ScopeCommandsRead  = "commands:ro"
	ScopeEventsRead    = "events:ro"
	ScopeTelemetryPush = "telemetry:push"
)

// ErrInvalidCredentials is returned when a presented credential is not accepted.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Verifier turns a bearer credential into a Principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

type Principal struct {
	Subject string
	Scopes  map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StaticVerifier accepts a single admin API key and a list of scoped tokens.
type StaticVerifier struct {
	apiKey string
	tokens []TokenConfig
}

func NewStaticVerifier(apiKey string, tokens []TokenConfig) *StaticVerifier {
	return &StaticVerifier{apiKey: apiKey, tokens: tokens}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Principal, error) {
	p, ok := Authenticate(token, v.apiKey, v.tokens)
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	return p, nil
}

// Authenticate matches a presented bearer token against configured tokens.
// The api key authenticates as admin with scope "*".
func Authenticate(presented string, apiKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, apiKey) {
		return Principal{
			Subject: "api_key",
			Scopes:  map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for i, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Subject: "token_" + strconv.Itoa(i),
				Scopes:  NormalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

// AllowAll authenticates every request as admin. Used when auth mode is "none".
type AllowAll struct{}

func (AllowAll) Verify(context.Context, string) (Principal, error) {
	return Principal{Subject: "anonymous", Scopes: map[string]struct{}{ScopeAll: {}}}, nil
}

// NormalizeScopes builds a scope set. Exec implies read.
func NormalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	if _, ok := out[ScopeCommandsExec]; ok {
		out[ScopeCommandsRead] = struct{}{}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
