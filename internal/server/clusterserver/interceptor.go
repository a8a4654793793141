package clusterserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"connectrpc.com/connect"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

const (
	// headerNodeID names the calling node on cluster RPCs.
	headerNodeID = "Snapkeep-Node-Id"

	// headerErrorCode carries a domain error code across an RPC.
	headerErrorCode = "Snapkeep-Error-Code"
)

// LoggingInterceptor logs all RPC requests and responses.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor.
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// WrapUnary implements connect.Interceptor.
func (i *LoggingInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			return next(ctx, req)
		}
		start := time.Now()

		resp, err := next(ctx, req)

		duration := time.Since(start)
		if err != nil {
			i.logger.Warn("cluster rpc error",
				"method", req.Spec().Procedure,
				"caller", req.Header().Get(headerNodeID),
				"peer", req.Peer().Addr,
				"duration_ms", duration.Milliseconds(),
				"error", err)
		} else {
			i.logger.Debug("cluster rpc",
				"method", req.Spec().Procedure,
				"caller", req.Header().Get(headerNodeID),
				"duration_ms", duration.Milliseconds())
		}
		return resp, err
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *LoggingInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *LoggingInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}

// RecoveryInterceptor recovers from panics.
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor.
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// WrapUnary implements connect.Interceptor.
func (i *RecoveryInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, err error) {
		defer func() {
			if r := recover(); r != nil {
				i.logger.Error("cluster rpc panic recovered",
					"method", req.Spec().Procedure,
					"panic", r)

				err = connect.NewError(connect.CodeInternal,
					fmt.Errorf("internal server error: panic recovered"))
			}
		}()

		return next(ctx, req)
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *RecoveryInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *RecoveryInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}

// ErrorInterceptor carries domain errors across cluster RPCs. Handlers
// attach the code as error metadata; clients rebuild the domain error so
// errors.Is works on both sides.
type ErrorInterceptor struct {
	nodeID string
}

// NewErrorInterceptor creates the interceptor. nodeID is stamped on
// outgoing requests.
func NewErrorInterceptor(nodeID string) *ErrorInterceptor {
	return &ErrorInterceptor{nodeID: nodeID}
}

// WrapUnary implements connect.Interceptor.
func (i *ErrorInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			if i.nodeID != "" {
				req.Header().Set(headerNodeID, i.nodeID)
			}
			resp, err := next(ctx, req)
			return resp, fromConnectError(err)
		}
		resp, err := next(ctx, req)
		return resp, toConnectError(err)
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *ErrorInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *ErrorInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}

// DefaultInterceptors returns the default set of interceptors for cluster RPC.
func DefaultInterceptors(nodeID string, logger *slog.Logger) []connect.Interceptor {
	return []connect.Interceptor{
		NewRecoveryInterceptor(logger),
		NewErrorInterceptor(nodeID),
		NewLoggingInterceptor(logger),
	}
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return err
	}
	var de *domain.DomainError
	if !errors.As(err, &de) {
		return connect.NewError(connect.CodeInternal, err)
	}
	out := connect.NewError(connectCode(de), errors.New(de.Error()))
	out.Meta().Set(headerErrorCode, de.Code)
	return out
}

func fromConnectError(err error) error {
	var ce *connect.Error
	if err == nil || !errors.As(err, &ce) {
		return err
	}
	code := ce.Meta().Get(headerErrorCode)
	if code == "" {
		if ce.Code() == connect.CodeUnavailable || ce.Code() == connect.CodeDeadlineExceeded {
			return domain.ErrServiceUnavailable.WithCause(err)
		}
		return err
	}
	return &domain.DomainError{Code: code, Message: ce.Message(), Cause: err}
}

// connectCode maps the status family of a domain code to a connect code.
func connectCode(de *domain.DomainError) connect.Code {
	switch {
	case errors.Is(de, domain.ErrNotLeader):
		return connect.CodeFailedPrecondition
	case de.Code == "":
		return connect.CodeUnknown
	}
	n := len(de.Code)
	if n < 4 {
		return connect.CodeUnknown
	}
	switch de.Code[n-4 : n-1] {
	case "404":
		return connect.CodeNotFound
	case "400", "100":
		return connect.CodeInvalidArgument
	case "409":
		return connect.CodeAlreadyExists
	case "403":
		return connect.CodeFailedPrecondition
	case "503":
		return connect.CodeUnavailable
	}
	return connect.CodeInternal
}
