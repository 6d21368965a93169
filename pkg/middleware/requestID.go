package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"quotefeed.com/pkg/common"
	"quotefeed.com/pkg/logger"
)

func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.New()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Set(logger.TraceIdKey, rid)
		// 写入 request context，引擎内部日志沿链路带上 trace_id
		ctx := context.WithValue(c.Request.Context(), common.CtxKeyRequestID, rid)
		ctx = context.WithValue(ctx, logger.TraceIdKey, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Header(common.HeaderRequestID, rid)
		c.Next()
	}
}
