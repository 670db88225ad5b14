// Package authx verifies bearer tokens for restaurant staff and widget
// backends against an OIDC issuer, caching the issuer's JWKS.
package authx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

// AuthContext is the verified identity pinned into the request context.
// Claims keeps the full claim set so downstream middleware can check
// restaurant-scoping claims without re-parsing the token.
type AuthContext struct {
	Subject string
	Email   string
	Name    string
	Roles   []string
	Claims  map[string]any
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	a, ok := ctx.Value(contextKey{}).(AuthContext)
	return a, ok
}

type JWTVerifier struct {
	issuer   string
	audience string
	keys     *jwksCache
	parser   *jwt.Parser
}

// NewJWTVerifier builds a verifier for the given issuer/audience pair. An
// empty jwksURL falls back to the issuer's well-known JWKS location.
func NewJWTVerifier(issuer string, audience string, jwksURL string, ttlSeconds int, clockSkewSeconds int) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	if clockSkewSeconds < 0 {
		clockSkewSeconds = 0
	}

	return &JWTVerifier{
		issuer:   issuer,
		audience: audience,
		keys: &jwksCache{
			url:    jwksURL,
			ttl:    time.Duration(ttlSeconds) * time.Second,
			client: &http.Client{Timeout: 5 * time.Second},
			byKID:  map[string]any{},
		},
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(time.Duration(clockSkewSeconds)*time.Second),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify parses and validates a raw bearer token. Any parse or key-lookup
// failure collapses to ErrInvalidToken; callers never see issuer internals.
func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, ErrUnknownKID
		}
		return v.keys.get(ctx, kid)
	})
	if err != nil {
		return AuthContext{}, ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return AuthContext{}, ErrInvalidToken
	}

	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	if strings.TrimSpace(name) == "" {
		name, _ = claims["preferred_username"].(string)
	}

	return AuthContext{
		Subject: subject,
		Email:   strings.TrimSpace(email),
		Name:    strings.TrimSpace(name),
		Roles:   parseRoles(claims),
		Claims:  map[string]any(claims),
	}, nil
}

// jwksCache is a TTL cache over the issuer's key set. A cache miss within the
// TTL still triggers one refresh, so a freshly rotated key is usable before
// the old set expires.
type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.RWMutex
	byKID     map[string]any
	expiresAt time.Time
}

func (c *jwksCache) get(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}

	c.mu.RLock()
	key, fresh := c.byKID[kid], time.Now().Before(c.expiresAt)
	c.mu.RUnlock()
	if key != nil && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		// Serve the stale key rather than failing every request during an
		// issuer outage.
		c.mu.RLock()
		key = c.byKID[kid]
		c.mu.RUnlock()
		if key != nil {
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	key = c.byKID[kid]
	c.mu.RUnlock()
	if key == nil {
		return nil, ErrUnknownKID
	}
	return key, nil
}

func (c *jwksCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jwks fetch failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return err
	}

	byKID := make(map[string]any, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid := strings.TrimSpace(key.KeyID())
		if kid == "" {
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		byKID[kid] = raw
	}
	if len(byKID) == 0 {
		return errors.New("no usable jwks keys")
	}

	c.mu.Lock()
	c.byKID = byKID
	c.expiresAt = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

// parseRoles flattens the role-bearing claims staff tokens carry: "roles" or
// "role" (list, space-separated string, or scalar) plus OAuth "scp" scopes.
// Order is first-seen, duplicates dropped.
func parseRoles(claims map[string]any) []string {
	seen := map[string]struct{}{}
	var roles []string
	add := func(role string) {
		role = strings.TrimSpace(role)
		if role == "" {
			return
		}
		if _, dup := seen[role]; dup {
			return
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}

	for _, key := range []string{"roles", "role"} {
		switch t := claims[key].(type) {
		case nil:
		case []string:
			for _, role := range t {
				add(role)
			}
		case []any:
			for _, role := range t {
				add(fmt.Sprint(role))
			}
		case string:
			for _, role := range strings.Fields(t) {
				add(role)
			}
		default:
			add(fmt.Sprint(t))
		}
	}
	if scopes, ok := claims["scp"].(string); ok {
		for _, scope := range strings.Fields(scopes) {
			add(scope)
		}
	}
	return roles
}
