package auth

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/zenamanage/writepath/internal/config"
)

const contextIdentity = "identity"

// Middleware resolves the caller's Identity from a bearer token. The auth
// flow itself is an external collaborator; only claim extraction happens
// here. Requests without a valid token proceed as anonymous — endpoint
// guards, not this middleware, decide whether anonymous is acceptable.
type Middleware struct {
	cfg *config.Config
}

func NewMiddleware(cfg *config.Config) *Middleware {
	return &Middleware{cfg: cfg}
}

func (m *Middleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := Identity{Role: RoleAnonymous, IP: c.ClientIP()}

		if token := bearerToken(c.GetHeader("Authorization")); token != "" {
			if resolved, err := m.parseIdentity(token); err == nil {
				resolved.IP = c.ClientIP()
				id = resolved
			}
		}

		c.Set(contextIdentity, id)
		c.Next()
	}
}

func (m *Middleware) parseIdentity(tokenString string) (Identity, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.cfg.AuthJWTSecret), nil
	})
	if err != nil {
		return Identity{}, err
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return Identity{}, fmt.Errorf("token missing subject")
	}

	tenant, _ := claims["tenant_id"].(string)
	role, _ := claims["role"].(string)

	return Identity{
		UserID:   sub,
		TenantID: tenant,
		Role:     NormalizeRole(role),
	}, nil
}

// IdentityFromContext returns the resolved identity, defaulting to an
// anonymous caller keyed by IP.
func IdentityFromContext(c *gin.Context) Identity {
	if v, ok := c.Get(contextIdentity); ok {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{Role: RoleAnonymous, IP: c.ClientIP()}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
