// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"errors"
	"net/http"
	"sci-core/internal/service"
	"sci-core/pkg/storage"

	"github.com/gin-gonic/gin"
)

var errBadRequest = errors.New("bad request")

// nginx 约定的"客户端已关闭连接"状态码
const statusClientClosedRequest = 499

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    data,
	})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
		"data":    nil,
	})
}

// statusFor 把业务错误映射到 HTTP 状态码和面向用户的提示。
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "请求已取消"
	case errors.Is(err, service.ErrEmptyPrompt):
		return http.StatusBadRequest, "问题不能为空"
	case errors.Is(err, service.ErrInvalidMode):
		return http.StatusBadRequest, "不支持的模式"
	case errors.Is(err, storage.ErrUnsupportedImage), errors.Is(err, storage.ErrEmptyImage):
		return http.StatusBadRequest, "不支持的图片格式"
	case errors.Is(err, storage.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge, "图片过大"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "无效的请求负载"
	case errors.Is(err, service.ErrNoAnswer), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "System Error: AI服务暂时不可用，请稍后重试"
	case errors.Is(err, service.ErrAccessDenied):
		return http.StatusForbidden, "访问口令错误"
	default:
		return http.StatusInternalServerError, "服务器内部错误"
	}
}
