package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Roles, highest first
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
	RoleViewer     = "viewer"
)

type Claims struct {
	Email     string   `json:"email"`
	Name      string   `json:"name"`
	Role      string   `json:"role"`
	Groups    []string `json:"groups"`
	AgentID   string   `json:"agentId,omitempty"`   // staff agent this user acts as
	StationID string   `json:"stationId,omitempty"` // terminal the user is bound to
	jwt.RegisteredClaims
}

type contextKey string

const UserContextKey contextKey = "user"

// Config controls token verification
type Config struct {
	SkipAuth        bool
	Env             string
	VerifySignature bool
	OIDCIssuer      string
}

// Authenticator validates bearer tokens against an OIDC provider
type Authenticator struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.RWMutex
	jwks       keyfunc.Keyfunc
	lastUpdate time.Time
}

// NewAuthenticator creates a new Authenticator. JWKS is fetched lazily on
// the first verified token.
func NewAuthenticator(cfg Config, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		cfg:    cfg,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// verifySignature reports whether tokens must be verified. Any environment
// other than development verifies.
func (a *Authenticator) verifySignature() bool {
	if a.cfg.Env != "development" && a.cfg.Env != "" {
		return true
	}
	return a.cfg.VerifySignature
}

// refresh fetches the JWKS from the OIDC provider
func (a *Authenticator) refresh() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.OIDCIssuer == "" {
		return errors.New("OIDC_ISSUER not configured for JWT verification")
	}

	// Keycloak layout
	jwksURL := strings.TrimSuffix(a.cfg.OIDCIssuer, "/") + "/protocol/openid-connect/certs"
	a.logger.Info().Str("url", jwksURL).Msg("fetching JWKS")

	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return fmt.Errorf("failed to create keyfunc: %w", err)
	}

	a.jwks = k
	a.lastUpdate = time.Now()
	a.logger.Info().Msg("JWKS loaded")
	return nil
}

func (a *Authenticator) keyfunc() (jwt.Keyfunc, error) {
	a.mu.RLock()
	jwks := a.jwks
	a.mu.RUnlock()

	if jwks == nil {
		if err := a.refresh(); err != nil {
			return nil, err
		}
		a.mu.RLock()
		jwks = a.jwks
		a.mu.RUnlock()
	}
	return jwks.Keyfunc, nil
}

// Middleware validates JWT tokens and stores the claims in the request context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.SkipAuth {
			a.logger.Debug().Msg("SKIP_AUTH enabled, bypassing authentication")
			ctx := context.WithValue(r.Context(), UserContextKey, &Claims{
				Email:  "dev@docqueue.local",
				Name:   "Dev User",
				Role:   RoleAdmin,
				Groups: []string{"developers"},
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			a.logger.Debug().Str("path", r.URL.Path).Msg("missing authorization token")
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			a.logger.Warn().Err(err).Msg("token validation failed")
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}

		a.logger.Debug().Str("email", claims.Email).Str("role", claims.Role).Msg("user authenticated")

		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose user holds none of roles
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if HasRole(claims, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}

// extractToken gets the token from Authorization header or query parameter
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}

	// WebSocket clients cannot set headers
	return r.URL.Query().Get("token")
}

// ValidateToken parses a token, verifying its signature unless running in
// development without VERIFY_JWT_SIGNATURE
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	verify := a.verifySignature()

	var (
		token *jwt.Token
		err   error
	)
	if verify {
		token, err = a.parseAndVerifyToken(tokenString)
		if err != nil {
			return nil, err
		}
	} else {
		token, _, err = new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	} else if preferredUsername, ok := mapClaims["preferred_username"].(string); ok {
		claims.Name = preferredUsername
	}
	claims.Role = extractRoleFromMapClaims(mapClaims)
	claims.Groups = extractGroupsFromMapClaims(mapClaims)
	if agentID, ok := mapClaims["agent_id"].(string); ok {
		claims.AgentID = agentID
	}
	if stationID, ok := mapClaims["station_id"].(string); ok {
		claims.StationID = stationID
	}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}

	// verified tokens have their expiry checked by the parser
	if !verify {
		if exp, ok := mapClaims["exp"].(float64); ok {
			expTime := time.Unix(int64(exp), 0)
			claims.ExpiresAt = jwt.NewNumericDate(expTime)
			if expTime.Before(time.Now()) {
				return nil, fmt.Errorf("token expired")
			}
		}
	}

	return claims, nil
}

func (a *Authenticator) parseAndVerifyToken(tokenString string) (*jwt.Token, error) {
	keyfunc, err := a.keyfunc()
	if err != nil {
		return nil, fmt.Errorf("JWKS not available: %w", err)
	}

	token, err := jwt.Parse(tokenString, keyfunc, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return token, nil
}

// extractRoleFromMapClaims extracts role from various possible token claim locations
func extractRoleFromMapClaims(mapClaims jwt.MapClaims) string {
	// Keycloak
	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		if roles, ok := realmAccess["roles"].([]interface{}); ok {
			for _, priority := range []string{RoleAdmin, RoleSupervisor, RoleAgent, RoleViewer} {
				for _, role := range roles {
					if roleStr, ok := role.(string); ok && roleStr == priority {
						return roleStr
					}
				}
			}
		}
	}

	for _, claim := range []string{"cognito:groups", "custom:groups"} {
		groups, ok := mapClaims[claim].([]interface{})
		if !ok {
			continue
		}
		for _, group := range groups {
			groupStr, ok := group.(string)
			if !ok {
				continue
			}
			for _, role := range []string{RoleAdmin, RoleSupervisor, RoleAgent} {
				if strings.Contains(groupStr, role) {
					return role
				}
			}
		}
	}

	return RoleViewer
}

// extractGroupsFromMapClaims extracts groups from token claims
func extractGroupsFromMapClaims(mapClaims jwt.MapClaims) []string {
	var groups []string
	for _, claim := range []string{"groups", "cognito:groups"} {
		if values, ok := mapClaims[claim].([]interface{}); ok {
			for _, group := range values {
				if groupStr, ok := group.(string); ok {
					groups = append(groups, groupStr)
				}
			}
		}
	}
	return groups
}

// GetUserFromContext retrieves user claims from request context
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// HasRole checks if user has specific role
func HasRole(claims *Claims, role string) bool {
	return claims.Role == role
}

// InGroup checks if user is in specific group
func InGroup(claims *Claims, group string) bool {
	for _, g := range claims.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// CanActAs reports whether the user may operate on behalf of agentID.
// Admins and supervisors may act for anyone; agents only for themselves.
func (c *Claims) CanActAs(agentID string) bool {
	switch c.Role {
	case RoleAdmin, RoleSupervisor:
		return true
	case RoleAgent:
		return c.AgentID != "" && c.AgentID == agentID
	}
	return false
}

// CanSubscribe reports whether the user may receive events on channel.
// Per-agent channels are limited to that agent and to supervisors.
func (c *Claims) CanSubscribe(channel string) bool {
	if agentID, ok := strings.CutPrefix(channel, "agent_"); ok {
		return c.CanActAs(agentID)
	}
	return true
}
