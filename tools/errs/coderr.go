package errs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// 网关错误码（对外可见的 machine-readable reason code）
const (
	CodeAdmissionRejected = 1001 // 限流拒绝
	CodeAuthFailed        = 1002 // 鉴权失败
	CodeDuplicateSession  = 1003 // 会话冲突（新连接挤掉旧连接）
	CodeDeliveryFailure   = 1004 // 下发失败（仅影响单个会话）
	CodeUpstreamFailure   = 1005 // 上游平台操作失败（留在 Connector 内部消化）
	CodePermanentFailure  = 1006 // 平台永久失联，需人工介入
	CodeInternalInvariant = 1500 // 内部不变量破坏，进程级致命
)

var (
	ErrAdmissionRejected = NewCodeError(CodeAdmissionRejected, "admission rejected")
	ErrAuthFailed        = NewCodeError(CodeAuthFailed, "authentication failed")
	ErrDuplicateSession  = NewCodeError(CodeDuplicateSession, "duplicate session")
	ErrDeliveryFailure   = NewCodeError(CodeDeliveryFailure, "delivery failure")
	ErrUpstreamFailure   = NewCodeError(CodeUpstreamFailure, "upstream failure")
	ErrPermanentFailure  = NewCodeError(CodePermanentFailure, "platform failed permanently")
	ErrInternalInvariant = NewCodeError(CodeInternalInvariant, "internal invariant violation")
)

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: e.Detail,
	}
}

// Wrap 附带调用栈
func (e *CodeError) Wrap() error {
	return errors.WithStack(e)
}

func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	retErr := e.clone()
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if retErr.Detail == "" {
			retErr.Detail = detail
		} else {
			retErr.Detail += ", " + detail
		}
	}
	return errors.WithStack(retErr)
}

func (e *CodeError) Is(err error) bool {
	var codeErr *CodeError
	if !errors.As(err, &codeErr) {
		return err == nil && e == nil
	}
	if e == nil {
		return false
	}
	return e.Code == codeErr.Code
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)

	if e.Detail != "" {
		v = append(v, e.Detail)
	}

	return strings.Join(v, " ")
}

// Code 提取错误里携带的网关错误码；非 CodeError 返回 0。
func Code(err error) int {
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code
	}
	return 0
}

func New(msg string, kv ...any) *CodeError {
	return &CodeError{
		Code: CodeInternalInvariant,
		Msg:  toString(msg, kv),
	}
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(errors.WithMessage(err, toString(msg, kv)))
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i > 0 || msg != "" {
			sb.WriteString(", ")
		}
		key, _ := kv[i].(string)
		sb.WriteString(key)
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(anyToString(kv[i+1]))
		}
	}
	return sb.String()
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	default:
		return fmt.Sprint(v)
	}
}
