// Package errors 定义 eidos-mint 的业务错误码
//
// 铸造与对账链路的错误分类:
//   - TRANSIENT_CHAIN_ERROR   链 RPC 临时故障, 退避重试
//   - REORG_DETECTED          区块父哈希不连续, 对账循环挂起, 人工处理
//   - DUPLICATE_EVENT         重复事件, 去重吸收, 不向上抛出
//   - STALE_CHECKPOINT        检查点 CAS 失败, 并发违例告警
//   - INELIGIBLE_MINT_REQUEST 票据/活动状态不允许铸造, 直接返回调用方
//   - SUBMISSION_ERROR        签名或提交失败, 调用方可重试
//   - PINNING_ERROR           IPFS 固定失败, 调用方可重试
//   - UNRESOLVED_MINT         铸造标记超时未确认, 上报运维
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error 业务错误
type Error struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"-"`
	GRPCCode   codes.Code        `json:"-"`
	Retryable  bool              `json:"retryable"`
	Cause      error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) clone() *Error {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// WithDetail 附加详情, 返回副本
func (e *Error) WithDetail(key, value string) *Error {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]string)
	}
	c.Details[key] = value
	return c
}

// WithMessage 替换消息, 返回副本
func (e *Error) WithMessage(message string) *Error {
	c := e.clone()
	c.Message = message
	return c
}

// NewWithStatus 创建错误码
func NewWithStatus(code, message string, httpStatus int, grpcCode codes.Code, retryable bool) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		GRPCCode:   grpcCode,
		Retryable:  retryable,
	}
}

// Wrap 以 cause 包装错误码
func Wrap(err *Error, cause error) *Error {
	c := err.clone()
	c.Cause = cause
	return c
}

// Wrapf 包装并追加消息
func Wrapf(err *Error, cause error, format string, args ...interface{}) *Error {
	c := Wrap(err, cause)
	c.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	return c
}

// 通用错误码
var (
	ErrInternal       = NewWithStatus("INTERNAL_ERROR", "内部错误", http.StatusInternalServerError, codes.Internal, false)
	ErrInvalidRequest = NewWithStatus("INVALID_REQUEST", "请求参数无效", http.StatusBadRequest, codes.InvalidArgument, false)
	ErrNotFound       = NewWithStatus("NOT_FOUND", "资源不存在", http.StatusNotFound, codes.NotFound, false)
)

// 对账/铸造错误码
var (
	ErrTransientChain  = NewWithStatus("TRANSIENT_CHAIN_ERROR", "链 RPC 临时错误", http.StatusServiceUnavailable, codes.Unavailable, true)
	ErrReorgDetected   = NewWithStatus("REORG_DETECTED", "检测到链重组", http.StatusInternalServerError, codes.DataLoss, false)
	ErrDuplicateEvent  = NewWithStatus("DUPLICATE_EVENT", "重复链上事件", http.StatusOK, codes.AlreadyExists, false)
	ErrStaleCheckpoint = NewWithStatus("STALE_CHECKPOINT", "检查点已被其他写入者推进", http.StatusConflict, codes.Aborted, false)
	ErrIneligibleMint  = NewWithStatus("INELIGIBLE_MINT_REQUEST", "票据当前状态不可铸造", http.StatusPreconditionFailed, codes.FailedPrecondition, false)
	ErrSubmission      = NewWithStatus("SUBMISSION_ERROR", "交易签名或提交失败", http.StatusServiceUnavailable, codes.Unavailable, true)
	ErrPinning         = NewWithStatus("PINNING_ERROR", "资源固定到 IPFS 失败", http.StatusServiceUnavailable, codes.Unavailable, true)
	ErrUnresolvedMint  = NewWithStatus("UNRESOLVED_MINT", "铸造结果未确认, 需人工处理", http.StatusInternalServerError, codes.Internal, false)
)

// Is 判断 err 链上是否有 target 错误码
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// As 透传标准库
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// FromError 转换为业务错误, 非业务错误视为内部错误
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}
	return Wrap(ErrInternal, err)
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// IsRetryable 调用方是否可以直接重试
func IsRetryable(err error) bool {
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Retryable
	}
	return false
}

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var bizErr *Error
	if errors.As(err, &bizErr) && bizErr.HTTPStatus != 0 {
		return bizErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// ToGRPCError 转换为 gRPC status
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return status.Error(bizErr.GRPCCode, bizErr.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
