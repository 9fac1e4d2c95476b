// Package handler 提供 HTTP 请求处理
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	pkgerrors "github.com/eidos-exchange/eidos-mint/pkg/errors"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Error 按业务错误码返回错误响应, 内部错误不暴露 cause
func Error(c *gin.Context, err error) {
	bizErr := pkgerrors.FromError(err)
	_ = c.Error(err)
	c.JSON(pkgerrors.ToHTTPStatus(err), &ErrorResponse{
		Code:    bizErr.Code,
		Message: bizErr.Message,
		Details: bizErr.Details,
	})
}

// BadRequest 返回参数错误响应
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, &ErrorResponse{
		Code:    pkgerrors.ErrInvalidRequest.Code,
		Message: message,
	})
}
