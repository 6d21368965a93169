package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"quotefeed.com/internal/feed/engine"
	"quotefeed.com/pkg/common"
)

type handler struct {
	eng *engine.Engine
}

// acquire GET /api/feed/:category/:key
// query 参数原样透传给 fetcher；nocache=1 强制回源；ttl=30s 覆盖 TTL
func (h *handler) acquire(c *gin.Context) {
	category := c.Param("category")
	key := c.Param("key")

	params := make(map[string]string)
	var opts []engine.AcquireOption
	for k, vs := range c.Request.URL.Query() {
		if len(vs) == 0 {
			continue
		}
		switch k {
		case "nocache":
			if vs[0] == "1" || vs[0] == "true" {
				opts = append(opts, engine.NoCache())
			}
		case "ttl":
			if d, err := time.ParseDuration(vs[0]); err == nil && d > 0 {
				opts = append(opts, engine.WithTTL(d))
			}
		default:
			params[k] = vs[0]
		}
	}

	res := h.eng.Acquire(c.Request.Context(), category, key, params, opts...)
	if !res.Success {
		// 源全灭且无可用缓存：对外仍是结构化结果，不是 5xx 裸错
		c.JSON(http.StatusServiceUnavailable, common.Response{
			Code:    1004001,
			Message: "all sources exhausted",
			Data:    res,
		})
		return
	}
	common.Success(c, res)
}

func (h *handler) sourceStats(c *gin.Context) {
	common.Success(c, h.eng.MonitoringStats())
}

func (h *handler) recentAttempts(c *gin.Context) {
	category := c.Query("category")
	if category == "" {
		common.Fail(c, http.StatusBadRequest, 1001001, "category is required")
		return
	}
	n, _ := strconv.Atoi(c.DefaultQuery("n", "50"))
	common.Success(c, h.eng.RecentAttempts(category, n))
}

func (h *handler) clearCache(c *gin.Context) {
	if err := h.eng.ClearCache(c.Request.Context()); err != nil {
		common.FailLogged(c, http.StatusInternalServerError, 5000001, "clear cache failed", err)
		return
	}
	common.Success(c, gin.H{"cleared": true})
}

func (h *handler) disableSource(c *gin.Context) {
	h.mutateSource(c, h.eng.DisableSource)
}

func (h *handler) enableSource(c *gin.Context) {
	h.mutateSource(c, h.eng.EnableSource)
}

func (h *handler) resetSource(c *gin.Context) {
	h.mutateSource(c, h.eng.ResetSource)
}

func (h *handler) mutateSource(c *gin.Context, op func(string) bool) {
	name := c.Param("name")
	if !op(name) {
		common.Fail(c, http.StatusNotFound, 1005001, "unknown source")
		return
	}
	common.Success(c, gin.H{"source": name})
}
