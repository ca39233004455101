package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/rulekeeper/internal/core/db"
	"github.com/solatis/rulekeeper/internal/types"
)

// errDecisionLog marks failures persisting a run.
var errDecisionLog = errors.New("decision log unavailable")

// toStatus maps engine and storage errors onto gRPC codes. Errors already
// carrying a status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, types.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, types.ErrUndefinedFact),
		errors.Is(err, types.ErrUnknownOperator),
		errors.Is(err, types.ErrUndefinedCondition),
		errors.Is(err, types.ErrCircularReference):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, db.ErrRunNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, errDecisionLog):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
