package reshard

import (
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/qdb"
)

// ToErrorInfo turns an error into the form stored in documents.
func ToErrorInfo(err error) *qdb.ErrorInfo {
	if err == nil {
		return nil
	}
	return &qdb.ErrorInfo{
		Code:    rserror.CodeOf(err),
		Message: rserror.Description(err),
	}
}

// ErrorFromInfo rebuilds a terminal error from a stored abort reason.
func ErrorFromInfo(info *qdb.ErrorInfo) error {
	if info == nil {
		return nil
	}
	return rserror.New(info.Code, info.Message)
}

func SameReason(a, b *qdb.ErrorInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func OperatorAbortReason() *qdb.ErrorInfo {
	return &qdb.ErrorInfo{Code: rserror.RS_OPERATION_ABORTED, Message: "aborted by operator"}
}
