package handlers

import (
	"errors"
	"net/http"

	"nexusdesk/internal/models"
	"nexusdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    int         `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func newPaginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	pages := 0
	if pageSize > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}

// statusFor 把服务层错误映射为 HTTP 状态码
func statusFor(err error) int {
	var qe *services.QuotaError
	switch {
	case errors.As(err, &qe):
		if qe.Decision.Reason == services.ReasonFeatureNotInPlan {
			return http.StatusForbidden
		}
		return http.StatusPaymentRequired
	case errors.Is(err, services.ErrTenantRequired):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrTicketNotFound),
		errors.Is(err, services.ErrCompanyNotFound),
		errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrAppointmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidMessage),
		errors.Is(err, services.ErrInvalidAppointmentArg):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrVersionConflict),
		errors.Is(err, services.ErrAppointmentConflict),
		errors.Is(err, services.ErrAppointmentFinal),
		errors.Is(err, services.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, services.ErrUndoExpired):
		return http.StatusGone
	case errors.Is(err, services.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError 写出错误响应；只有 5xx 记为错误日志
func respondError(c *gin.Context, logger *logrus.Logger, action string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: action, Message: err.Error(), Code: status}
	if status >= http.StatusInternalServerError {
		// 底层驱动错误只进日志
		resp.Message = http.StatusText(status)
	}
	var qe *services.QuotaError
	if errors.As(err, &qe) {
		resp.Details = qe.Decision
	}
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s: %v", action, err)
	} else {
		logger.WithField("status", status).Debugf("%s: %v", action, err)
	}
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, msg string, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   msg,
		Message: err.Error(),
	})
}

// partyOf 调用方角色对应的预约参与方
func partyOf(role models.Role) models.AppointmentParty {
	if role.IsStaff() {
		return models.PartyAgent
	}
	return models.PartyUser
}
