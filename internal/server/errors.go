package server

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ydb-platform/storage-manager/internal/service"
)

// Service errors travel as a status code plus an ErrorInfo detail whose
// reason names the error, so clients get the same sentinel back.
var serviceErrors = []struct {
	err    error
	code   codes.Code
	reason string
}{
	{service.ErrDeviceLookupFailed, codes.InvalidArgument, "DEVICE_LOOKUP_FAILED"},
	{service.ErrDeviceNotFound, codes.NotFound, "DEVICE_NOT_FOUND"},
	{service.ErrObjectNotFound, codes.NotFound, "OBJECT_NOT_FOUND"},
	{service.ErrNotDisk, codes.FailedPrecondition, "NOT_A_DISK"},
	{service.ErrStopped, codes.Unavailable, "STOPPED"},
}

func toStatus(err error) error {
	for _, se := range serviceErrors {
		if !errors.Is(err, se.err) {
			continue
		}
		st := status.New(se.code, err.Error())
		detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: se.reason, Domain: ServiceName})
		if derr != nil {
			return st.Err()
		}
		return detailed.Err()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// remoteError is a service error received from a server. It matches its
// sentinel with errors.Is and keeps the status for status.Code.
type remoteError struct {
	status   *status.Status
	sentinel error
}

func (e *remoteError) Error() string              { return e.status.Message() }
func (e *remoteError) Unwrap() error              { return e.sentinel }
func (e *remoteError) GRPCStatus() *status.Status { return e.status }

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ServiceName {
			continue
		}
		for _, se := range serviceErrors {
			if se.reason == info.GetReason() {
				return &remoteError{status: st, sentinel: se.err}
			}
		}
	}
	return err
}
