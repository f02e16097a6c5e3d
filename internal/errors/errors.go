package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown        ErrorCode = 1000
	ErrInvalidParam   ErrorCode = 1001
	ErrNotFound       ErrorCode = 1002
	ErrTimeout        ErrorCode = 1005
	ErrCanceled       ErrorCode = 1006
	ErrNotImplemented ErrorCode = 1007

	// 传输错误 (3000-3099)
	ErrTransportNotOpen ErrorCode = 3000
	ErrTransportClosed  ErrorCode = 3001
	ErrSerialPortOpen   ErrorCode = 3002
	ErrSerialPortWrite  ErrorCode = 3003
	ErrSerialPortRead   ErrorCode = 3004

	// 协议错误 (3100-3199)
	ErrChecksum           ErrorCode = 3100
	ErrUnexpectedResponse ErrorCode = 3101
	ErrMalformedFrame     ErrorCode = 3102
	ErrInvalidPayload     ErrorCode = 3103

	// 超时错误 (3200-3299)
	ErrResponseTimeout ErrorCode = 3200
	ErrPaymentTimeout  ErrorCode = 3201

	// 前置条件错误 (3300-3399)
	ErrPrecondition        ErrorCode = 3300
	ErrNotInitialized      ErrorCode = 3301
	ErrAlreadyRunning      ErrorCode = 3302
	ErrDeviceNotConfigured ErrorCode = 3303

	// 设备管理错误 (3400-3499)
	ErrReconnectExhausted ErrorCode = 3400
	ErrSaleNotStarted     ErrorCode = 3401

	// 通信错误 (4000-4999)
	ErrMQTTConnect ErrorCode = 4004
	ErrMQTTPublish ErrorCode = 4005

	// 数据库错误 (5000-5999)
	ErrDatabaseConnect ErrorCode = 5000
	ErrDatabaseQuery   ErrorCode = 5001
	ErrDatabaseInsert  ErrorCode = 5002

	// 配置错误 (6000-6999)
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigParse    ErrorCode = 6001
	ErrConfigValidate ErrorCode = 6002
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	ErrUnknown:        "unknown error",
	ErrInvalidParam:   "invalid parameter",
	ErrNotFound:       "not found",
	ErrTimeout:        "operation timed out",
	ErrCanceled:       "operation canceled",
	ErrNotImplemented: "not implemented",

	ErrTransportNotOpen: "serial port is not open",
	ErrTransportClosed:  "serial port closed unexpectedly",
	ErrSerialPortOpen:   "failed to open serial port",
	ErrSerialPortWrite:  "failed to write to serial port",
	ErrSerialPortRead:   "failed to read from serial port",

	ErrChecksum:           "checksum mismatch",
	ErrUnexpectedResponse: "unexpected response",
	ErrMalformedFrame:     "malformed frame",
	ErrInvalidPayload:     "invalid payload",

	ErrResponseTimeout: "response timeout",
	ErrPaymentTimeout:  "card processing wait timeout",

	ErrPrecondition:        "operation not allowed in current state",
	ErrNotInitialized:      "device is not initialized",
	ErrAlreadyRunning:      "already running",
	ErrDeviceNotConfigured: "device not configured",

	ErrReconnectExhausted: "maximum number of reconnection attempts exceeded",
	ErrSaleNotStarted:     "failed to start sale",

	ErrMQTTConnect: "MQTT connect failed",
	ErrMQTTPublish: "MQTT publish failed",

	ErrDatabaseConnect: "database connect failed",
	ErrDatabaseQuery:   "database query failed",
	ErrDatabaseInsert:  "database insert failed",

	ErrConfigLoad:     "failed to load config",
	ErrConfigParse:    "failed to parse config",
	ErrConfigValidate: "invalid config",
}

// Kind 错误分类（传输/协议/超时/前置条件）
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindTimeout
	KindPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "TransportError"
	case KindProtocol:
		return "ProtocolError"
	case KindTimeout:
		return "TimeoutError"
	case KindPrecondition:
		return "PreconditionError"
	default:
		return "UnknownError"
	}
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details string       `json:"details"`
	Cause   error        `json:"-"`
	Stack   []StackFrame `json:"stack,omitempty"`
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// Kind 返回错误分类
func (e *AppError) Kind() Kind {
	switch {
	case e.Code >= 3000 && e.Code < 3100:
		return KindTransport
	case e.Code >= 3100 && e.Code < 3200:
		return KindProtocol
	case e.Code >= 3200 && e.Code < 3300, e.Code == ErrTimeout:
		return KindTimeout
	case e.Code >= 3300 && e.Code < 3400:
		return KindPrecondition
	default:
		return KindUnknown
	}
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，保留原始错误码，返回副本
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		if len(details) == 0 {
			return appErr
		}
		wrapped := *appErr
		wrapped.Details = strings.Join(details, "; ")
		if appErr.Details != "" {
			wrapped.Details += "; " + appErr.Details
		}
		return &wrapped
	}

	appErr = New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// As 从错误链中取出AppError
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if err == nil || !stderrors.As(err, &appErr) {
		return nil, false
	}
	return appErr, true
}

// Is 判断错误是否为指定错误码
func Is(err error, code ErrorCode) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrUnknown
}

// KindOf 获取错误分类
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind()
	}
	return KindUnknown
}

// IsTransport 是否为传输错误
func IsTransport(err error) bool { return KindOf(err) == KindTransport }

// IsProtocol 是否为协议错误
func IsProtocol(err error) bool { return KindOf(err) == KindProtocol }

// IsTimeout 是否为超时错误
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsPrecondition 是否为前置条件错误
func IsPrecondition(err error) bool { return KindOf(err) == KindPrecondition }

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()

		// 跳过runtime和本包的调用
		if strings.Contains(frame.Function, "runtime.") ||
			strings.Contains(frame.Function, "github.com/wfunc/pay-kiosk/internal/errors") {
			if !more {
				break
			}
			continue
		}

		e.Stack = append(e.Stack, StackFrame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})

		if !more || len(e.Stack) >= 10 {
			break
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AppError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}
	return builder.String()
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout:
		return true
	}
	return false
}

// IsCritical 判断是否为严重错误
func IsCritical(err error) bool {
	switch GetCode(err) {
	case ErrSerialPortOpen, ErrTransportClosed, ErrReconnectExhausted, ErrConfigLoad, ErrDatabaseConnect:
		return true
	}
	return false
}
