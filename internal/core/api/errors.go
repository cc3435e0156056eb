package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/waypoint/internal/lists"
	"github.com/solatis/waypoint/internal/types"
)

// toStatus maps engine errors onto gRPC codes.
// Storage errors map to UNAVAILABLE.
// Malformed rules and graphs map to INVALID_ARGUMENT.
// Context timeouts map to DEADLINE_EXCEEDED.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, types.ErrJourneyNotFound),
		errors.Is(err, types.ErrEntryNotFound),
		errors.Is(err, lists.ErrListNotFound):
		code = codes.NotFound
	case errors.Is(err, types.ErrJourneyNotPublished),
		errors.Is(err, types.ErrRunEnded):
		code = codes.FailedPrecondition
	case types.IsRuleEvalError(err), types.IsGraphError(err):
		code = codes.InvalidArgument
	default:
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

func invalidArgument(msg string) error {
	return status.Error(codes.InvalidArgument, msg)
}
