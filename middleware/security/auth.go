package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"SHProject/tools/errs"
	"SHProject/tools/security"
)

// 下游 handler 统一用这俩 key 读取。
const (
	CtxUserIDKey = "authUserID"
	CtxScopesKey = "authScopes"
)

// Middleware 校验 Authorization: Bearer <jwt>，requireScope 非空时还要求对应 scope。
func Middleware(opts security.Options, requireScope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader("Authorization"))
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[len("bearer "):])
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrAuthFailed)
			return
		}
		claims, err := security.Verify(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrAuthFailed.WithDetail(err.Error()))
			return
		}
		if requireScope != "" && !hasScope(claims.Scopes, requireScope) {
			c.AbortWithStatusJSON(http.StatusForbidden, errs.ErrAuthFailed.WithDetail("missing scope "+requireScope))
			return
		}
		c.Set(CtxUserIDKey, claims.UserID)
		c.Set(CtxScopesKey, claims.Scopes)
		c.Next()
	}
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
