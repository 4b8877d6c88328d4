package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const claimsKey = "auth_claims"

// Claims are the JWT claims accepted by the admin API
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries role
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthMiddleware validates HMAC-signed bearer tokens
type AuthMiddleware struct {
	logger   *zap.Logger
	secret   []byte
	issuer   string
	audience string
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(secret, issuer, audience string, logger *zap.Logger) *AuthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{
		logger:   logger,
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}
}

// RequireAuth rejects requests without a valid token. When roles are given the
// token must carry at least one of them.
func (m *AuthMiddleware) RequireAuth(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := m.authenticate(c)
		if err != nil {
			m.logger.Warn("Authentication failed",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
				zap.Error(err),
			)
			respond(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication failed: "+err.Error())
			return
		}

		if len(roles) > 0 && !hasAnyRole(claims, roles) {
			m.logger.Warn("Authorization failed",
				zap.String("path", c.Request.URL.Path),
				zap.String("subject", claims.Subject),
				zap.Strings("required_roles", roles),
			)
			respond(c, http.StatusForbidden, "FORBIDDEN", "Insufficient role")
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

func (m *AuthMiddleware) authenticate(c *gin.Context) (*Claims, error) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, fmt.Errorf("bearer token not found")
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")

	options := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if m.issuer != "" {
		options = append(options, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		options = append(options, jwt.WithAudience(m.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if len(m.secret) == 0 {
			return nil, fmt.Errorf("JWT secret key not configured")
		}
		return m.secret, nil
	}, options...)
	if err != nil {
		return nil, fmt.Errorf("invalid JWT token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid JWT claims")
	}
	return claims, nil
}

// IssueToken signs a token for subject with the configured issuer and audience
func (m *AuthMiddleware) IssueToken(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// GetClaims returns the claims stored by RequireAuth
func GetClaims(c *gin.Context) (*Claims, bool) {
	value, exists := c.Get(claimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok
}

func hasAnyRole(claims *Claims, roles []string) bool {
	for _, role := range roles {
		if claims.HasRole(role) {
			return true
		}
	}
	return false
}

func respond(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   code,
		"message": message,
	})
}
