package participant

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pg-sharding/reshard/pkg/models/rserror"
)

// ToStatus encodes an error for the wire. The reshard error code leads
// the status message so the other side can rebuild it.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var rerr *rserror.ReshardError
	if !errors.As(err, &rerr) {
		switch {
		case errors.Is(err, context.Canceled):
			return status.Error(codes.Canceled, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			return status.Error(codes.DeadlineExceeded, err.Error())
		}
		// storage and network failures carry no code, they are retried
		// on both sides of the wire
		return status.Error(codes.Unavailable, rserror.RS_TRANSIENT+": "+err.Error())
	}

	code := codes.FailedPrecondition
	switch {
	case rerr.Kind == rserror.Retryable:
		code = codes.Unavailable
	case rerr.ErrorCode == rserror.RS_NO_SUCH_OPERATION:
		code = codes.NotFound
	case rerr.ErrorCode == rserror.RS_INVALID_REQUEST:
		code = codes.InvalidArgument
	case rerr.ErrorCode == rserror.RS_CONFLICTING_OPERATION:
		code = codes.AlreadyExists
	case rerr.ErrorCode == rserror.RS_COMMIT_DECIDED || rerr.ErrorCode == rserror.RS_OPERATION_ABORTED:
		code = codes.Aborted
	}
	return status.Error(code, rerr.ErrorCode+": "+rerr.Err.Error())
}

// FromStatus rebuilds a reshard error from a status. Transport failures
// and statuses without a reshard code become retryable.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	kind := rserror.Terminal
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		kind = rserror.Retryable
	case codes.Canceled:
		return context.Canceled
	}

	if code, msg, found := strings.Cut(st.Message(), ": "); found && rserror.IsKnownCode(code) {
		return &rserror.ReshardError{Err: errors.New(msg), ErrorCode: code, Kind: kind}
	}
	switch {
	case kind == rserror.Retryable:
		return rserror.NewRetryable(rserror.RS_CONNECTION_ERROR, "%s", st.Message())
	case st.Code() == codes.Internal || st.Code() == codes.Unknown:
		return rserror.NewRetryable(rserror.RS_TRANSIENT, "%s", st.Message())
	}
	return rserror.New(rserror.RS_UNEXPECTED, st.Message())
}
