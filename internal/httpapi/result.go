package httpapi

import (
	"errors"
	"net/http"

	"artlift-orchestrator/internal/correlator"
	"artlift-orchestrator/internal/repository"
	"artlift-orchestrator/internal/session"
)

// Result 统一响应结构
// - code: 成功为 ResultSuccess，失败为下列业务码之一
// - type: 'success' | 'error'
// - result: 失败时为 null
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1

	// ResultInvalidRequest 请求参数或安装字段不合法
	ResultInvalidRequest = 40001
	// ResultInstallationNotFound 安装不存在或已删除
	ResultInstallationNotFound = 40401
	// ResultRecordNotFound 统计或帧记录不存在
	ResultRecordNotFound = 40402
	// ResultFrameStorageDisabled 未启用帧存储
	ResultFrameStorageDisabled = 40403
	// ResultDeviceRejected 设备明确拒绝安装或删除
	ResultDeviceRejected = 40901
	// ResultDeviceUnreachable 指令未能发布或被新请求取代
	ResultDeviceUnreachable = 50201
	// ResultDeviceTimeout 设备未在期限内应答
	ResultDeviceTimeout = 50401
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(message string) Result[any] {
	return FailCode(ResultError, message)
}

// FailCode 带业务码的失败响应
func FailCode(code int, message string) Result[any] {
	return Result[any]{Code: code, Type: "error", Message: message, Result: nil}
}

// failure 错误到 HTTP 状态码与业务码
func failure(err error) (int, Result[any]) {
	msg := err.Error()
	switch {
	case errors.Is(err, session.ErrInvalidInstallation):
		return http.StatusBadRequest, FailCode(ResultInvalidRequest, msg)
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, FailCode(ResultInstallationNotFound, msg)
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, FailCode(ResultRecordNotFound, msg)
	case errors.Is(err, session.ErrInstallRejected), errors.Is(err, session.ErrDeleteRejected):
		return http.StatusConflict, FailCode(ResultDeviceRejected, msg)
	case errors.Is(err, correlator.ErrTimeout):
		return http.StatusGatewayTimeout, FailCode(ResultDeviceTimeout, msg)
	case errors.Is(err, correlator.ErrPublishFailure), errors.Is(err, correlator.ErrSuperseded):
		return http.StatusBadGateway, FailCode(ResultDeviceUnreachable, msg)
	default:
		return http.StatusInternalServerError, Fail(msg)
	}
}
