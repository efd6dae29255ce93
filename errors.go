package process

import (
	apperrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-process/flow"
)

// Error codes re-exported for callers that only import the engine.
const (
	ErrCodeNotFound        = flow.ErrCodeNotFound
	ErrCodeIllegalState    = flow.ErrCodeIllegalState
	ErrCodeUnsupported     = flow.ErrCodeUnsupported
	ErrCodeBehaviorFailed  = flow.ErrCodeBehaviorFailed
	ErrCodeInvalidArgument = flow.ErrCodeInvalidArgument
)

var (
	IsNotFound        = flow.IsNotFound
	IsIllegalState    = flow.IsIllegalState
	IsUnsupported     = flow.IsUnsupported
	IsBehaviorFailure = flow.IsBehaviorFailure
	ErrorCode         = flow.ErrorCode
)

func notFound(message string, metadata map[string]any) *apperrors.Error {
	return engineError(flow.ErrNotFound, message, metadata)
}

func invalidArgument(message string, metadata map[string]any) *apperrors.Error {
	return engineError(flow.ErrInvalidArgument, message, metadata)
}

func engineError(base *apperrors.Error, message string, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	err.Message = message
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}
