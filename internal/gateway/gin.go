package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AlexKimmel/Cascade/internal/admission"
	"github.com/AlexKimmel/Cascade/internal/ratelimit"
	"github.com/AlexKimmel/Cascade/internal/resolver"
)

// GinAdmission is Admission for gin pipelines. The resolver is fixed per
// handler; mount one per route group to vary it. Bucket keys are scoped by
// name, so handlers with different names never share counters.
func GinAdmission(g *admission.Gate, res resolver.Resolver, name string, trustProxy bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := RequestFrom(c.Request, trustProxy)
		v, err := evaluate(c.Request, g, res, name, name, req)
		if err != nil && !errors.Is(err, ratelimit.ErrStoreUnavailable) {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("rate_limiter_error", "internal rate limiter error"))
			return
		}

		WriteRateLimitHeaders(c.Writer.Header(), v, time.Now())

		if !v.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody("rate_limited", "Too many requests"))
			return
		}
		c.Next()
	}
}

func errorBody(code, msg string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": msg}}
}
