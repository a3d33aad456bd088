package dashboard

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/JOJO6618/ai-coding-agent/pkg/errors"
	"github.com/JOJO6618/ai-coding-agent/pkg/logger"
)

// 统一响应辅助。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("internal error", logger.Any(logger.FieldError, err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "服务器内部错误"}})
}

// failWith 按哨兵错误映射状态码。
func failWith(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		badRequest(c, "invalid_input", apperrors.MessageOf(err))
	case errors.Is(err, apperrors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": apperrors.MessageOf(err)}})
	case errors.Is(err, apperrors.ErrTurnInProgress):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": gin.H{"code": "turn_in_progress", "message": apperrors.MessageOf(err)}})
	case errors.Is(err, apperrors.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": gin.H{"code": "not_connected", "message": apperrors.MessageOf(err)}})
	case errors.Is(err, apperrors.ErrRequestFailed):
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": gin.H{"code": "upstream_failed", "message": apperrors.MessageOf(err)}})
	default:
		serverError(c, err)
	}
}
