// Package errors 提供统一错误分类与包装辅助，不依赖 internal；调度核心各层只包装这里的哨兵错误，调用方用 errors.Is 判断
package errors

import (
	"errors"
	"fmt"
)

// 错误分类（调度引擎统一使用）
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")

	// ErrNoCapacity 没有在线且未被排除的 worker；提交方/handler 视为终态失败
	ErrNoCapacity = errors.New("no capacity")
	// ErrBackendUnreachable worker 后端状态接口或执行接口在传输层失败
	ErrBackendUnreachable = errors.New("backend unreachable")
	// ErrInvalidTransition 状态机前置条件不满足；sweep 中视为 no-op，直接 API 调用中视为用户错误
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrUnknownJobType Task Runner 不认识的任务类型；提交时拒绝，不落库
	ErrUnknownJobType = errors.New("unknown job type")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is 透传标准库 errors.Is，便于调用方只导入本包
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As 透传标准库 errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Kind 返回 err 所属的分类名（用于日志与指标 label）；不属于任何分类时返回 "internal"
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, ErrBackendUnreachable):
		return "backend_unreachable"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnknownJobType):
		return "unknown_job_type"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArg):
		return "invalid_argument"
	default:
		return "internal"
	}
}
