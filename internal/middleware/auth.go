package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nexusdesk/internal/config"
	"nexusdesk/internal/models"
	"nexusdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const scopeKey = "nexusdesk.scope"

// Claims 访问令牌载荷：sub 为用户 ID，company_id 为租户
type Claims struct {
	UserID    string      `json:"user_id,omitempty"`
	CompanyID string      `json:"company_id"`
	Role      models.Role `json:"role"`
	jwt.RegisteredClaims
}

// actor sub 优先，兼容只带 user_id 的旧令牌
func (c *Claims) actor() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// IssueToken 用 HS256 签发令牌；ttl<=0 表示不过期
func IssueToken(secret, userID, companyID string, role models.Role, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	claims := Claims{
		CompanyID: companyID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken 校验签名与时间约束，返回载荷
func ParseToken(secret, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.actor() == "" {
		return nil, errors.New("token has no subject")
	}
	switch claims.Role {
	case models.RoleUser, models.RoleAgent, models.RoleManager:
	case "":
		claims.Role = models.RoleUser
	default:
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}

// AuthMiddleware 校验 Authorization: Bearer <jwt>，成功后把 services.Scope 放进上下文。
// 浏览器建立 WebSocket 时无法设置请求头，此时接受 ?token= 参数。
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	if cfg != nil {
		secret = cfg.JWT.Secret
	}
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "missing bearer token",
			})
			return
		}
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "invalid token or server misconfig",
			})
			return
		}
		claims, err := ParseToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": err.Error(),
			})
			return
		}
		if claims.CompanyID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": services.ErrTenantRequired.Error(),
			})
			return
		}
		c.Set(scopeKey, services.Scope{
			CompanyID: claims.CompanyID,
			ActorID:   claims.actor(),
			Role:      claims.Role,
		})
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	ah := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		return strings.TrimSpace(ah[len("Bearer "):])
	}
	if c.IsWebsocket() {
		return strings.TrimSpace(c.Query("token"))
	}
	return ""
}

// ScopeFrom 取出认证后的调用方；未经过 AuthMiddleware 时返回空 Scope，
// 服务层会以 ErrTenantRequired 拒绝。
func ScopeFrom(c *gin.Context) services.Scope {
	if v, ok := c.Get(scopeKey); ok {
		if s, ok := v.(services.Scope); ok {
			return s
		}
	}
	return services.Scope{}
}

// WithScope 直接写入调用方，供测试和内部路由使用
func WithScope(c *gin.Context, scope services.Scope) {
	c.Set(scopeKey, scope)
}
