package flow

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/goliatone/go-process/model"
)

const (
	GRPCCodeCanceled           = "Canceled"
	GRPCCodeDeadlineExceeded   = "DeadlineExceeded"
	GRPCCodeFailedPrecondition = "FailedPrecondition"
	GRPCCodeInternal           = "Internal"
	GRPCCodeInvalidArgument    = "InvalidArgument"
	GRPCCodeNotFound           = "NotFound"
	GRPCCodeUnimplemented      = "Unimplemented"
)

const rpcCodeInternal = "PROCESS_INTERNAL"

// statusClientClosedRequest is the de facto status for requests the caller abandoned.
const statusClientClosedRequest = 499

// TransportErrorMapping defines protocol-level mappings for runtime errors.
type TransportErrorMapping struct {
	RuntimeCode string
	HTTPStatus  int
	GRPCCode    string
	RPCCode     string
}

// RPCErrorEnvelope is the RPC transport error shape.
type RPCErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var transportMappings = map[string]TransportErrorMapping{
	ErrCodeNotFound:              {HTTPStatus: http.StatusNotFound, GRPCCode: GRPCCodeNotFound},
	ErrCodeIllegalState:          {HTTPStatus: http.StatusConflict, GRPCCode: GRPCCodeFailedPrecondition},
	ErrCodeUnsupported:           {HTTPStatus: http.StatusUnprocessableEntity, GRPCCode: GRPCCodeUnimplemented},
	ErrCodeInvalidArgument:       {HTTPStatus: http.StatusBadRequest, GRPCCode: GRPCCodeInvalidArgument},
	model.ErrCodeInvalidTemplate: {HTTPStatus: http.StatusBadRequest, GRPCCode: GRPCCodeInvalidArgument},
	ErrCodeBehaviorFailed:        {HTTPStatus: http.StatusFailedDependency, GRPCCode: GRPCCodeFailedPrecondition},
}

// MapRuntimeError maps runtime error codes to transport protocol categories.
// Context cancellation maps ahead of any code the error carries.
func MapRuntimeError(err error) TransportErrorMapping {
	code := strings.TrimSpace(ErrorCode(err))

	switch {
	case stderrors.Is(err, context.Canceled):
		return TransportErrorMapping{
			RuntimeCode: code,
			HTTPStatus:  statusClientClosedRequest,
			GRPCCode:    GRPCCodeCanceled,
			RPCCode:     rpcCodeInternal,
		}
	case stderrors.Is(err, context.DeadlineExceeded):
		return TransportErrorMapping{
			RuntimeCode: code,
			HTTPStatus:  http.StatusGatewayTimeout,
			GRPCCode:    GRPCCodeDeadlineExceeded,
			RPCCode:     rpcCodeInternal,
		}
	}

	if mapping, ok := transportMappings[code]; ok {
		mapping.RuntimeCode = code
		mapping.RPCCode = code
		return mapping
	}
	return TransportErrorMapping{
		RuntimeCode: code,
		HTTPStatus:  http.StatusInternalServerError,
		GRPCCode:    GRPCCodeInternal,
		RPCCode:     rpcCodeInternal,
	}
}

// HTTPStatusForError returns the mapped HTTP status code for an engine error.
func HTTPStatusForError(err error) int {
	return MapRuntimeError(err).HTTPStatus
}

// GRPCCodeForError returns the mapped gRPC status code string for an engine error.
func GRPCCodeForError(err error) string {
	return MapRuntimeError(err).GRPCCode
}

// RPCErrorForError returns a canonical RPC envelope for engine errors.
func RPCErrorForError(err error) *RPCErrorEnvelope {
	if err == nil {
		return nil
	}
	mapping := MapRuntimeError(err)
	return &RPCErrorEnvelope{
		Code:    mapping.RPCCode,
		Message: err.Error(),
	}
}
