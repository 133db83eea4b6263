// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"pkm-engine/pkg/log"
)

// 日志中请求体和响应体的最大长度
const maxLoggedBody = 2048

// bodyLogWriter 用于捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 实现了 io.Writer 接口，将响应写入 gin.ResponseWriter 和一个内部的 buffer
func (w bodyLogWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - w.body.Len(); room > 0 {
		w.body.Write(b[:min(len(b), room)])
	}
	return w.ResponseWriter.Write(b)
}

// sensitivePath 文档接口的请求和响应都可能包含机密正文，通知流是长连接，都不记录 body。
func sensitivePath(path string) bool {
	return strings.Contains(path, "/documents") || strings.HasSuffix(path, "/notifications/ws") || strings.HasSuffix(path, "/auth/token")
}

func truncate(b []byte) string {
	if len(b) <= maxLoggedBody {
		return string(b)
	}
	return string(b[:maxLoggedBody]) + "...(truncated)"
}

// RequestLogger 是一个 Gin 中间件，记录请求状态、耗时，以及非敏感接口截断后的请求和响应体。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path
		logBodies := !sensitivePath(path)

		var requestBody []byte
		var blw *bodyLogWriter
		if logBodies {
			if c.Request.Body != nil {
				requestBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxLoggedBody+1))
				// 读过的部分和剩余部分拼回去，后续处理函数仍能读到完整请求体
				c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(requestBody), c.Request.Body))
			}
			blw = &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
			c.Writer = blw
		}

		c.Next()

		fields := []interface{}{
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
		}
		if logBodies {
			fields = append(fields, "requestBody", truncate(requestBody), "responseBody", truncate(blw.body.Bytes()))
		}
		log.Infow("HTTP Request Log", fields...)
	}
}
