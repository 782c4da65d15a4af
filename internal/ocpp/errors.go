package ocpp

import "fmt"

// ErrorCode OCPP-J 1.6定义的CALLERROR错误码
type ErrorCode string

const (
	ErrorNotImplemented                ErrorCode = "NotImplemented"
	ErrorNotSupported                  ErrorCode = "NotSupported"
	ErrorInternalError                 ErrorCode = "InternalError"
	ErrorProtocolError                 ErrorCode = "ProtocolError"
	ErrorSecurityError                 ErrorCode = "SecurityError"
	ErrorFormationViolation            ErrorCode = "FormationViolation"
	ErrorPropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	ErrorOccurenceConstraintViolation  ErrorCode = "OccurenceConstraintViolation"
	ErrorTypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	ErrorGenericError                  ErrorCode = "GenericError"
)

// CallError 对端返回或本地生成的CALLERROR
type CallError struct {
	MessageID   string
	Code        ErrorCode
	Description string
	Details     map[string]interface{}
}

// Error 实现error接口
func (e *CallError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("call error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("call error %s", e.Code)
}

// NewCallError 构造CALLERROR
func NewCallError(messageID string, code ErrorCode, description string) *CallError {
	return &CallError{MessageID: messageID, Code: code, Description: description}
}

// TimeoutError 出站请求在时限内未收到响应
type TimeoutError struct {
	MessageID string
	Action    string
}

// Error 实现error接口
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s (%s) timed out waiting for response", e.MessageID, e.Action)
}
