package services

import (
	"sync"
	"time"

	"nexusdesk/internal/config"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常
	BreakerOpen                         // 熔断
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker 保护模型调用：连续失败后直接走兜底回复，不再等待超时
type CircuitBreaker struct {
	maxFailures     int
	resetTimeout    time.Duration
	halfOpenMaxReqs int
	now             func() time.Time

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
}

// NewCircuitBreaker 按配置创建熔断器，非法值使用默认
func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxFailures:     cfg.MaxFailures,
		resetTimeout:    cfg.ResetTimeout,
		halfOpenMaxReqs: cfg.HalfOpenMaxReqs,
		now:             time.Now,
		state:           BreakerClosed,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 60 * time.Second
	}
	if cb.halfOpenMaxReqs <= 0 {
		cb.halfOpenMaxReqs = 3
	}
	return cb
}

// Allow 检查是否允许请求通过
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailTime) > cb.resetTimeout {
			cb.state = BreakerHalfOpen
			cb.halfOpenReqs = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.halfOpenReqs < cb.halfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	}
	return false
}

// OnSuccess 记录成功请求
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.halfOpenReqs = 0
}

// OnFailure 记录失败请求；半开状态下一次失败立即重新熔断
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailTime = cb.now()

	switch cb.state {
	case BreakerClosed:
		if cb.failureCount >= cb.maxFailures {
			cb.state = BreakerOpen
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.halfOpenReqs = 0
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats 熔断器统计信息，供健康检查输出
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"state":         cb.state.String(),
		"failure_count": cb.failureCount,
		"max_failures":  cb.maxFailures,
		"reset_timeout": cb.resetTimeout.String(),
	}
}
