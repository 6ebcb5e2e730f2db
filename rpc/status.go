package rpc

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bobg/fstream"
)

var codeErrs = []struct {
	code codes.Code
	err  error
}{
	{codes.NotFound, fstream.ErrNotFound},
	{codes.OutOfRange, fstream.ErrBadPosition},
	{codes.InvalidArgument, fstream.ErrHashMismatch},
	{codes.DataLoss, fstream.ErrCorruptStream},
	{codes.Aborted, fstream.ErrBusy},
	{codes.Canceled, context.Canceled},
	{codes.DeadlineExceeded, context.DeadlineExceeded},
}

// toStatus converts an error from a cache into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, ce := range codeErrs {
		if errors.Is(err, ce.err) {
			return status.Error(ce.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus converts a gRPC status error into one that wraps the matching fstream error.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, ce := range codeErrs {
		if st.Code() == ce.code {
			return errors.Wrap(ce.err, st.Message())
		}
	}
	return err
}
