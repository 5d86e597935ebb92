package correlator

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout 在截止时间内未收到匹配的应答
	ErrTimeout = errors.New("correlation timeout")
	// ErrPublishFailure 传输层拒绝发送
	ErrPublishFailure = errors.New("publish failure")
	// ErrSuperseded 同一 (id, kind) 的新请求替换了本请求
	ErrSuperseded = errors.New("superseded by newer request")
	// ErrClosed 关联器已关闭
	ErrClosed = errors.New("correlator closed")
)

// RequestError 关联请求失败，Err 为上述哨兵错误之一或 ctx 错误
type RequestError struct {
	InstallationID int64
	Kind           string
	RequestID      string
	Err            error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s request %s for installation %d: %v", e.Kind, e.RequestID, e.InstallationID, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// publishError 同时保留 ErrPublishFailure 与底层传输错误
type publishError struct {
	cause error
}

func (e *publishError) Error() string {
	return fmt.Sprintf("%v: %v", ErrPublishFailure, e.cause)
}

func (e *publishError) Unwrap() []error {
	return []error{ErrPublishFailure, e.cause}
}
