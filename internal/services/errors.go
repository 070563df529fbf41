package services

import (
	"errors"
	"fmt"
)

var (
	// ErrTenantRequired 调用方未携带公司标识，直接拒绝
	ErrTenantRequired = errors.New("tenant scope required")
	// ErrForbidden 角色无权执行该操作
	ErrForbidden = errors.New("operation not permitted for role")
	// ErrTicketNotFound 工单不存在或不属于调用方公司
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrCompanyNotFound 公司不存在
	ErrCompanyNotFound = errors.New("company not found")
	ErrUserNotFound    = errors.New("user not found")
	// ErrVersionConflict 乐观锁冲突：工单已被其他请求修改
	ErrVersionConflict = errors.New("ticket was modified concurrently")
	ErrInvalidMessage  = errors.New("invalid message")

	ErrAppointmentNotFound   = errors.New("appointment not found")
	ErrAppointmentFinal      = errors.New("appointment already final")
	ErrInvalidTransition     = errors.New("invalid appointment transition")
	ErrAppointmentConflict   = errors.New("ticket already has a current appointment")
	ErrInvalidAppointmentArg = errors.New("invalid appointment slot")
	// ErrUndoExpired 撤销窗口已过或快照已被新的删除替换
	ErrUndoExpired = errors.New("undo window expired")

	// ErrMalformedModelOutput 模型输出不满足 JSON 约定
	ErrMalformedModelOutput = errors.New("malformed model output")
	// ErrModelUnavailable 熔断打开或未配置模型
	ErrModelUnavailable = errors.New("model unavailable")
)

// QuotaError 配额拒绝；被拒绝的变更不会落库
type QuotaError struct {
	Decision Decision
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s (used %d of %d)", e.Decision.Reason, e.Decision.Used, e.Decision.Limit)
}

// IsQuotaError 判断是否为配额拒绝
func IsQuotaError(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}
