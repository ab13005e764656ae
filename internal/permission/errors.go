package permission

import "errors"

// Code is a status code returned across the service boundary.
type Code int32

const (
	Success                         Code = 0
	CodeParamInvalid                Code = 12100001
	CodeTokenIDNotExist             Code = 12100002
	CodePermissionNotExist          Code = 12100003
	CodePermissionAlreadyStartUsing Code = 12100004
	CodePermissionNotStartUsing     Code = 12100005
	CodeCallbackAlreadyExist        Code = 12100006
	CodeCallbackNotExist            Code = 12100007
	CodeCallbacksExceedLimitation   Code = 12100008
	CodeMallocFailed                Code = 12100009
	CodeServiceAbnormal             Code = 12100010
)

// Error is a domain failure carrying its status code.
type Error struct {
	Code Code
	Name string
}

func (e *Error) Error() string { return e.Name }

var (
	ErrParamInvalid                = &Error{CodeParamInvalid, "ERR_PARAM_INVALID"}
	ErrTokenIDNotExist             = &Error{CodeTokenIDNotExist, "ERR_TOKENID_NOT_EXIST"}
	ErrPermissionNotExist          = &Error{CodePermissionNotExist, "ERR_PERMISSION_NOT_EXIST"}
	ErrPermissionAlreadyStartUsing = &Error{CodePermissionAlreadyStartUsing, "ERR_PERMISSION_ALREADY_START_USING"}
	ErrPermissionNotStartUsing     = &Error{CodePermissionNotStartUsing, "ERR_PERMISSION_NOT_START_USING"}
	ErrCallbackAlreadyExist        = &Error{CodeCallbackAlreadyExist, "ERR_CALLBACK_ALREADY_EXIST"}
	ErrCallbackNotExist            = &Error{CodeCallbackNotExist, "ERR_CALLBACK_NOT_EXIST"}
	ErrCallbacksExceedLimitation   = &Error{CodeCallbacksExceedLimitation, "ERR_CALLBACKS_EXCEED_LIMITATION"}
	ErrMallocFailed                = &Error{CodeMallocFailed, "ERR_MALLOC_FAILED"}
	ErrServiceAbnormal             = &Error{CodeServiceAbnormal, "ERR_SERVICE_ABNORMAL"}
)

// CodeOf maps err to the closed status-code set. Errors that are not a
// *Error (including wrapped ones) map to CodeServiceAbnormal.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeServiceAbnormal
}

// CodeName returns the symbolic name of c.
func CodeName(c Code) string {
	if c == Success {
		return "SUCCESS"
	}
	for _, e := range []*Error{
		ErrParamInvalid, ErrTokenIDNotExist, ErrPermissionNotExist,
		ErrPermissionAlreadyStartUsing, ErrPermissionNotStartUsing,
		ErrCallbackAlreadyExist, ErrCallbackNotExist,
		ErrCallbacksExceedLimitation, ErrMallocFailed, ErrServiceAbnormal,
	} {
		if e.Code == c {
			return e.Name
		}
	}
	return "UNKNOWN"
}
