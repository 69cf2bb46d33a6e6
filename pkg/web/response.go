package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 通用错误码，业务原因码放在 Message 中
const (
	CodeOK            = 0
	CodeInvalidParams = 40001
	CodeUnauthorized  = 40002
	CodeForbidden     = 40003
	CodeNotFound      = 40004
	CodeConflict      = 40009
	CodeRateLimited   = 40029
	CodeInternalError = 50000
	CodeUpstreamError = 50002
	CodeUnavailable   = 50003
	CodeTimeout       = 50004
)

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`             // 业务错误码
	Message string `json:"message"`          // 提示信息
	Reason  string `json:"reason,omitempty"` // 稳定原因码，如 NO_AVAILABLE_HOST
	Data    any    `json:"data"`
}

// CodeForStatus HTTP 状态码对应的默认业务错误码
func CodeForStatus(status int) int {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return CodeOK
	case http.StatusBadRequest:
		return CodeInvalidParams
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusBadGateway:
		return CodeUpstreamError
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	case http.StatusGatewayTimeout:
		return CodeTimeout
	default:
		return CodeInternalError
	}
}

// Success 成功响应
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: CodeOK, Message: "ok", Data: data})
}

// Accepted 已受理（异步处理）
func Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, Response{Code: CodeOK, Message: "accepted", Data: data})
}

// Error 错误响应
func Error(c *gin.Context, httpStatus int, reason, message string) {
	c.JSON(httpStatus, Response{
		Code:    CodeForStatus(httpStatus),
		Message: message,
		Reason:  reason,
	})
}

// AbortWithError 中断并返回错误
func AbortWithError(c *gin.Context, httpStatus int, reason, message string) {
	c.AbortWithStatusJSON(httpStatus, Response{
		Code:    CodeForStatus(httpStatus),
		Message: message,
		Reason:  reason,
	})
}

// BindAndValidate 绑定 JSON 请求体并校验，失败时已写出 400
func BindAndValidate(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		Error(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return false
	}
	return true
}
