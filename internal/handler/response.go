// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"pkm-engine/internal/model"
	"pkm-engine/pkg/log"
)

// respond 输出统一的 {code, message, data} 响应。
func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
		"data":    data,
	})
}

func ok(c *gin.Context, message string, data interface{}) {
	respond(c, http.StatusOK, message, data)
}

// statusOf 把错误类别映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrJobAlreadyFinished):
		return http.StatusConflict
	case errors.Is(err, model.ErrEncryptionKey):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrStorage), errors.Is(err, model.ErrIndex), errors.Is(err, model.ErrGraphUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail 输出错误响应。5xx 只返回概要信息，细节写日志。
func fail(c *gin.Context, op string, err error) {
	status := statusOf(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		log.Errorf("%s: %v", op, err)
		message = http.StatusText(status)
	} else {
		log.Warnf("%s: %v", op, err)
	}
	if stage := model.FailedStage(err); stage != "" {
		respond(c, status, message, gin.H{"failedStage": stage})
		return
	}
	respond(c, status, message, nil)
}

func badRequest(c *gin.Context, message string) {
	respond(c, http.StatusBadRequest, message, nil)
}

// queryInt 读取整数 query 参数，缺省时返回 def。
func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, model.NewValidationError("%s must be an integer", key)
	}
	return n, nil
}

// queryList 读取逗号分隔或重复出现的 query 参数。
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func queryBool(c *gin.Context, key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}
