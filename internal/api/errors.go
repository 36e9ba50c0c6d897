package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/parla/internal/apperr"
	"github.com/matheus3301/parla/internal/queue"
)

// toStatus maps a domain error onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrUnknownMessage) {
		return grpcstatus.Error(codes.NotFound, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return grpcstatus.Error(codes.Canceled, err.Error())
	}
	var code codes.Code
	switch apperr.CodeOf(err) {
	case apperr.CodeValidation:
		code = codes.InvalidArgument
	case apperr.CodeNotFound:
		code = codes.NotFound
	case apperr.CodeExpired:
		code = codes.FailedPrecondition
	case apperr.CodeBackendUnavailable, apperr.CodeTransport, apperr.CodeSubscriptionNotReady:
		code = codes.Unavailable
	case apperr.CodeProcessingTimeout:
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return grpcstatus.Error(code, err.Error())
}
