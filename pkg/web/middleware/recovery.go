package middleware

import (
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/pkg/logger"
)

// PanicHook 在 panic 被恢复后调用，用于上报
type PanicHook func(r *http.Request, rec any)

// Recovery panic 恢复中间件
func Recovery(l logger.Logger, hooks ...PanicHook) gin.HandlerFunc {
	l = l.Named("web.recovery")
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			req, _ := httputil.DumpRequest(c.Request, false)

			if err, ok := rec.(error); ok && isBrokenPipe(err) {
				l.Warn("http broken pipe", "error", err, "request", string(req))
				_ = c.Error(err)
				c.Abort()
				return
			}

			l.Error("http recovery from panic", "panic", rec, "request", string(req))
			for _, h := range hooks {
				h(c.Request, rec)
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    50000,
				"message": "internal server error",
				"data":    nil,
			})
		}()
		c.Next()
	}
}

func isBrokenPipe(err error) bool {
	var ne *net.OpError
	if !errors.As(err, &ne) {
		return false
	}
	var se *os.SyscallError
	if !errors.As(ne.Err, &se) {
		return false
	}
	msg := strings.ToLower(se.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}
