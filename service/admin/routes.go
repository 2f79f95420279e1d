package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"SHProject/logger"
	midsec "SHProject/middleware/security"
	"SHProject/service/gateway"
	"SHProject/service/metrics"
	"SHProject/tools/errs"
	"SHProject/tools/security"
)

// Conf 运维面配置。
type Conf struct {
	Auth         security.Options
	DrainTimeout time.Duration
}

// PresenceReader 在线簿记查询口（service/storage 的 Redis 实现）。
type PresenceReader interface {
	Sessions(ctx context.Context, userID string) ([]string, error)
}

func (c *Conf) norm() {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Handler 运维面：状态查询、强制重连、排水下线。
type Handler struct {
	conf     Conf
	srv      *gateway.Server
	col      *metrics.Collector
	presence PresenceReader // 可为 nil
}

func NewHandler(conf Conf, srv *gateway.Server, col *metrics.Collector) *Handler {
	conf.norm()
	return &Handler{conf: conf, srv: srv, col: col}
}

// SetPresence 挂接在线簿记查询（未挂接时 /admin/presence 只回本地视图）。
func (h *Handler) SetPresence(p PresenceReader) { h.presence = p }

// Mount 挂载路由。/healthz 免鉴权，/admin/* 要求 admin scope。
func (h *Handler) Mount(r gin.IRouter) {
	r.GET("/healthz", h.healthz)
	grp := r.Group("/admin", midsec.Middleware(h.conf.Auth, "admin"))
	grp.GET("/status", h.status)
	grp.GET("/presence/:user", h.userPresence)
	grp.POST("/reconnect/:platform", h.reconnect)
	grp.POST("/drain", h.drain)
}

func (h *Handler) healthz(c *gin.Context) {
	if h.srv.Draining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": h.srv.Uptime().String()})
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node":       h.srv.NodeID(),
		"uptime":     h.srv.Uptime().String(),
		"draining":   h.srv.Draining(),
		"sessions":   h.srv.Registry().Len(),
		"connectors": h.srv.ConnectorStates(),
		"metrics":    jsonRaw(h.col.Snapshot()),
	})
}

// userPresence 本地注册表 + Redis 簿记两侧视图，排查会话漂移用。
func (h *Handler) userPresence(c *gin.Context) {
	user := c.Param("user")
	local := h.srv.Registry().ListByUser(user)
	localIDs := make([]string, 0, len(local))
	for _, s := range local {
		localIDs = append(localIDs, s.ID)
	}
	out := gin.H{"user": user, "local_sessions": localIDs}
	if h.presence == nil {
		c.JSON(http.StatusOK, out)
		return
	}
	keys, err := h.presence.Sessions(c.Request.Context(), user)
	if err != nil {
		logger.Warnf("[admin] presence lookup %s failed: %v", user, err)
		c.JSON(http.StatusBadGateway, errs.ErrUpstreamFailure.WithDetail(err.Error()))
		return
	}
	out["redis_sessions"] = keys
	c.JSON(http.StatusOK, out)
}

func (h *Handler) reconnect(c *gin.Context) {
	platform := c.Param("platform")
	if err := h.srv.ForceReconnect(platform); err != nil {
		logger.Warnf("[admin] reconnect %s failed: %v", platform, err)
		c.JSON(http.StatusBadGateway, errs.ErrUpstreamFailure.WithDetail(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"platform": platform, "status": "reconnecting"})
}

func (h *Handler) drain(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), h.conf.DrainTimeout)
	go func() {
		defer cancel()
		h.srv.Drain(ctx)
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "draining"})
}

type jsonRaw []byte

func (r jsonRaw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
