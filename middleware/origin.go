package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origin 校验 WebSocket 升级请求的 Origin 头。
// allowed 为空表示不限制（内网部署场景）。
func Origin(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(c *gin.Context) {
		if len(set) == 0 {
			c.Next()
			return
		}
		origin := strings.ToLower(strings.TrimRight(c.GetHeader("Origin"), "/"))
		if origin == "" {
			c.Next() // 非浏览器客户端不带 Origin
			return
		}
		if _, ok := set[origin]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": 403, "msg": "origin not allowed"})
			return
		}
		c.Next()
	}
}
