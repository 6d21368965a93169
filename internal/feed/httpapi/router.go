package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"quotefeed.com/internal/feed/engine"
	"quotefeed.com/pkg/middleware"
	"quotefeed.com/pkg/ratelimit"
)

// NewRouter 面板/运维 HTTP 入口。引擎是库级组件，这层只是薄封装。
func NewRouter(ctx context.Context, addr string, eng *engine.Engine) *http.Server {
	// 限流
	store := ratelimit.NewStore(100, 200, 10*time.Minute)
	store.StartJanitor(ctx, time.Minute)

	// 监控
	r := gin.New()
	p := ginprom.NewPrometheus("quotefeed")
	p.Use(r)
	r.Use(
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
		middleware.RateLimit(store),
	)

	h := &handler{eng: eng}
	api := r.Group("/api")
	{
		api.GET("/feed/:category/:key", h.acquire)
		api.GET("/monitor/sources", h.sourceStats)
		api.GET("/monitor/attempts", h.recentAttempts)
		api.DELETE("/cache", h.clearCache)
		api.POST("/sources/:name/disable", h.disableSource)
		api.POST("/sources/:name/enable", h.enableSource)
		api.POST("/sources/:name/reset", h.resetSource)
	}

	return &http.Server{
		Addr:           addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second, // acquire 最坏要等一轮级联
		MaxHeaderBytes: 1 << 20,
	}
}
