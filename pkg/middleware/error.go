package middleware

import (
	"errors"
	"net/http"

	"donation-reconciler/pkg/errutil"
	"donation-reconciler/pkg/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last handler error. BaseError carries its own status; anything
// else is an opaque 500.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var v errutil.BaseError
		if errors.As(last.Err, &v) {
			code := v.Code.HTTPStatus()
			if code >= http.StatusInternalServerError {
				zap.L().Error("request failed", zap.String("path", c.FullPath()), zap.Error(last.Err))
				c.JSON(code, errutil.BaseError{Code: v.Code, Message: v.Message}.JSON())
				return
			}
			c.JSON(code, v.JSON())
			return
		}

		zap.L().Error("request failed", zap.String("path", c.FullPath()), zap.Error(last.Err))
		c.JSON(http.StatusInternalServerError, errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error"}.JSON())
	}
}

// RequireToken guards a route group with a shared token header compared in constant time.
// An empty token disables the group.
func RequireToken(header, token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || !util.TokenEqual(c.GetHeader(header), token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errutil.BaseError{Code: errutil.StatusUnauthorized, Message: "unauthorized"}.JSON())
			return
		}
		c.Next()
	}
}
