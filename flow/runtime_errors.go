package flow

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeNotFound        = "PROCESS_NOT_FOUND"
	ErrCodeIllegalState    = "PROCESS_ILLEGAL_STATE"
	ErrCodeUnsupported     = "PROCESS_UNSUPPORTED"
	ErrCodeBehaviorFailed  = "PROCESS_BEHAVIOR_FAILED"
	ErrCodeInvalidArgument = "PROCESS_INVALID_ARGUMENT"
)

var (
	ErrNotFound = apperrors.New("not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNotFound)
	ErrIllegalState = apperrors.New("illegal state", apperrors.CategoryConflict).
			WithTextCode(ErrCodeIllegalState)
	ErrUnsupported = apperrors.New("unsupported operation", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeUnsupported)
	ErrBehaviorFailed = apperrors.New("behavior failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeBehaviorFailed)
	ErrInvalidArgument = apperrors.New("invalid argument", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidArgument)
)

func cloneRuntimeError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrIllegalState
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func notFound(message string, metadata map[string]any) *apperrors.Error {
	return cloneRuntimeError(ErrNotFound, message, nil, metadata)
}

func illegalState(message string, source error, metadata map[string]any) *apperrors.Error {
	return cloneRuntimeError(ErrIllegalState, message, source, metadata)
}

func unsupported(message string, metadata map[string]any) *apperrors.Error {
	return cloneRuntimeError(ErrUnsupported, message, nil, metadata)
}

func invalidArgument(message string, metadata map[string]any) *apperrors.Error {
	return cloneRuntimeError(ErrInvalidArgument, message, nil, metadata)
}

// wrapBehaviorError appends positional context to a behavior or listener failure.
// Errors already carrying a runtime code pass through unchanged.
func wrapBehaviorError(err error, message string, e *Execution) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(ErrorCode(err), "PROCESS_") {
		return err
	}
	return cloneRuntimeError(ErrBehaviorFailed, message, err, positionFields(e))
}

// ErrorCode returns the runtime text code carried by err, if any.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsNotFound reports whether err is a not-found runtime error.
func IsNotFound(err error) bool { return ErrorCode(err) == ErrCodeNotFound }

// IsIllegalState reports whether err is an illegal-state runtime error.
func IsIllegalState(err error) bool { return ErrorCode(err) == ErrCodeIllegalState }

// IsUnsupported reports whether err is an unsupported-case runtime error.
func IsUnsupported(err error) bool { return ErrorCode(err) == ErrCodeUnsupported }

// IsBehaviorFailure reports whether err wraps a behavior or listener failure.
func IsBehaviorFailure(err error) bool { return ErrorCode(err) == ErrCodeBehaviorFailed }

func positionFields(e *Execution) map[string]any {
	if e == nil {
		return nil
	}
	fields := map[string]any{"execution_id": e.id}
	if e.activity != nil {
		fields["activity_id"] = e.activity.ID
	}
	if pi := e.ProcessInstance(); pi != nil {
		fields["process_instance_id"] = pi.id
	}
	return fields
}
