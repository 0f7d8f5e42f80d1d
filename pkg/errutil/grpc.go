package errutil

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCCode is the gRPC counterpart of HTTPStatus.
func (s CoreStatus) GRPCCode() codes.Code {
	switch s {
	case StatusBadRequest, StatusValidationFailed, StatusUnsupportedMediaType:
		return codes.InvalidArgument
	case StatusUnauthorized:
		return codes.Unauthenticated
	case StatusForbidden:
		return codes.PermissionDenied
	case StatusNotFound:
		return codes.NotFound
	case StatusConflict:
		return codes.Aborted
	case StatusUnprocessableEntity:
		return codes.FailedPrecondition
	case StatusTooManyRequests:
		return codes.ResourceExhausted
	case StatusClientClosedRequest:
		return codes.Canceled
	case StatusNotImplemented:
		return codes.Unimplemented
	case StatusBadGateway, StatusServiceUnavailable:
		return codes.Unavailable
	case StatusTimeout, StatusGatewayTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// ToGRPCError converts err to a status error. As over HTTP, server-side failures
// keep only their public message and the cause stays in the logs.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	}

	var base BaseError
	if !errors.As(err, &base) {
		return status.Error(codes.Internal, "internal error")
	}
	if base.Code.HTTPStatus() >= 500 {
		return status.Error(base.Code.GRPCCode(), base.Message)
	}
	return status.Error(base.Code.GRPCCode(), base.messageWithErr())
}

// UnaryServerInterceptor lets handlers return errutil errors.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		return resp, ToGRPCError(err)
	}
}

func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return ToGRPCError(handler(srv, ss))
	}
}
