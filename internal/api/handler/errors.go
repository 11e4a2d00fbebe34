package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/restyle-pipeline/internal/api/dto"
	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/gin-gonic/gin"
)

var statusByCode = map[domain.Code]int{
	domain.CodeValidationFailed:    http.StatusBadRequest,
	domain.CodeInvalidAction:       http.StatusBadRequest,
	domain.CodeAuthRequired:        http.StatusUnauthorized,
	domain.CodeTokenExpired:        http.StatusUnauthorized,
	domain.CodeInsufficientCredits: http.StatusPaymentRequired,
	domain.CodeNotFound:            http.StatusNotFound,
	domain.CodeDuplicateRun:        http.StatusConflict,
	domain.CodeDuplicateRequest:    http.StatusConflict,
	domain.CodeReservationSettled:  http.StatusConflict,
	domain.CodeDailyCapReached:     http.StatusTooManyRequests,
	domain.CodeProviderError:       http.StatusBadGateway,
	domain.CodeDBError:             http.StatusServiceUnavailable,
	domain.CodeQueueFull:           http.StatusServiceUnavailable,
	domain.CodeTimeout:             http.StatusGatewayTimeout,
}

// HTTPStatus maps an error code to its response status.
func HTTPStatus(code domain.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// RespondError writes err as a classified JSON error and aborts the chain.
func RespondError(c *gin.Context, err error) {
	code := domain.CodeOf(err)
	status := HTTPStatus(code)
	msg := domain.MessageOf(err)
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, dto.ErrorResponse{Error: msg, Code: string(code)})
}

func (h *JobHandler) fail(c *gin.Context, op string, err error) {
	code := domain.CodeOf(err)
	attrs := []any{
		slog.String("op", op),
		slog.String("code", string(code)),
		slog.Any("error", err),
	}
	if HTTPStatus(code) >= http.StatusInternalServerError {
		h.logger.Error("Request failed", attrs...)
	} else {
		h.logger.Warn("Request rejected", attrs...)
	}
	RespondError(c, err)
}
