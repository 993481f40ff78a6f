package server

import (
	"net/http"
	"time"

	"chatapp/internal/auth"
	"chatapp/internal/config"
	"chatapp/internal/metrics"
	"chatapp/internal/mw"
	"chatapp/internal/service"
	"chatapp/internal/signal"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, hub *signal.Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	userSvc := service.NewUserService(db, cfg)
	groupSvc := service.NewGroupService(db, hub)
	msgSvc := service.NewMessageService(db, hub)
	h := NewHandler(userSvc, groupSvc, msgSvc)

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))
	authed.GET("/users", h.ListUsers)
	authed.PUT("/users/me", h.UpdateProfile)
	authed.POST("/groups", h.CreateGroup)
	authed.GET("/groups", h.ListGroups)
	authed.GET("/groups/:id", h.GetGroupDetails)
	authed.POST("/groups/:id/leave", h.LeaveGroup)
	authed.POST("/groups/:id/members", h.AddGroupMember)
	authed.DELETE("/groups/:id/members/:memberId", h.KickGroupMember)
	authed.POST("/messages", h.SendMessage)
	authed.GET("/messages", h.ListMessages)
	authed.GET("/messages/unread", h.UnreadCounts)
	authed.DELETE("/messages/:id", h.DeleteMessage)

	r.GET("/ws", signal.Serve(hub, db, cfg))

	return r
}
