package handler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-routing/internal/errors"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
	"github.com/pesio-ai/be-approval-routing/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "approvalrouting.v1.ApprovalRoutingService"

// UserIDMetadataKey carries the acting user when the message does not name one.
const UserIDMetadataKey = "x-user-id"

// ApprovalRoutingServer is the gRPC surface. Every method takes and returns
// a google.protobuf.Struct whose fields mirror the HTTP JSON bodies.
type ApprovalRoutingServer interface {
	EvaluateCondition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckCondition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateLine(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reject(context.Context, *structpb.Struct) (*structpb.Struct, error)
	View(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPendingApprovals(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InvalidateRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ApprovalRoutingServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalRoutingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ApprovalRoutingServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ApprovalRoutingServiceDesc describes the service for grpc.Server.
var ApprovalRoutingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ApprovalRoutingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("EvaluateCondition", ApprovalRoutingServer.EvaluateCondition),
		unary("CheckCondition", ApprovalRoutingServer.CheckCondition),
		unary("ValidateLine", ApprovalRoutingServer.ValidateLine),
		unary("SubmitRequest", ApprovalRoutingServer.SubmitRequest),
		unary("GetRequest", ApprovalRoutingServer.GetRequest),
		unary("GetHistory", ApprovalRoutingServer.GetHistory),
		unary("Approve", ApprovalRoutingServer.Approve),
		unary("Reject", ApprovalRoutingServer.Reject),
		unary("View", ApprovalRoutingServer.View),
		unary("Cancel", ApprovalRoutingServer.Cancel),
		unary("GetPendingApprovals", ApprovalRoutingServer.GetPendingApprovals),
		unary("InvalidateRules", ApprovalRoutingServer.InvalidateRules),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvalrouting/v1/approval_routing.proto",
}

// RegisterApprovalRoutingServer registers srv on s.
func RegisterApprovalRoutingServer(s grpc.ServiceRegistrar, srv ApprovalRoutingServer) {
	s.RegisterService(&ApprovalRoutingServiceDesc, srv)
}

// GRPCHandler implements ApprovalRoutingServer over the routing service
type GRPCHandler struct {
	service *service.ApprovalRoutingService
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(routingService *service.ApprovalRoutingService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: routingService,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// userID extracts the acting user id from incoming metadata, or returns
// empty string.
func userID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(UserIDMetadataKey); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}

// EvaluateCondition evaluates {condition, context} and returns {result}.
func (h *GRPCHandler) EvaluateCondition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req conditionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	return toStruct(map[string]bool{"result": h.service.EvaluateCondition(req.Condition, req.Context)})
}

// CheckCondition returns {valid, error}.
func (h *GRPCHandler) CheckCondition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req conditionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := h.service.CheckCondition(req.Condition); err != nil {
		return toStruct(map[string]any{"valid": false, "error": err.Error()})
	}
	return toStruct(map[string]any{"valid": true})
}

// ValidateLine returns the validation outcome for a candidate line.
func (h *GRPCHandler) ValidateLine(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req validateLineRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.ActingUserID == "" {
		req.ActingUserID = userID(ctx)
	}

	outcome, err := h.service.ValidateLine(ctx, req.SubjectID, req.Context, req.Line, req.ActingUserID)
	if err != nil {
		return nil, h.fail("ValidateLine", err)
	}
	return toStruct(outcome)
}

// SubmitRequest creates an approval request. A line that fails validation
// is answered with FailedPrecondition carrying the outcome as a detail.
func (h *GRPCHandler) SubmitRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req submitRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.RequesterID == "" {
		req.RequesterID = userID(ctx)
	}

	h.logger.Info().
		Str("subject_id", req.SubjectID).
		Str("requester_id", req.RequesterID).
		Msg("gRPC SubmitRequest called")

	created, outcome, err := h.service.SubmitRequest(ctx, service.SubmitInput{
		SubjectID:   req.SubjectID,
		RequesterID: req.RequesterID,
		LineID:      req.LineID,
		Line:        req.Line,
		Context:     req.Context,
	})
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeValidationFailed) && outcome != nil {
			st := status.New(codes.FailedPrecondition, err.Error())
			if detail, derr := toStruct(outcome); derr == nil {
				if withDetail, werr := st.WithDetails(detail); werr == nil {
					st = withDetail
				}
			}
			return nil, st.Err()
		}
		return nil, h.fail("SubmitRequest", err)
	}
	return toStruct(submitResponse{Request: created, Outcome: outcome})
}

// GetRequest returns {id} as a request.
func (h *GRPCHandler) GetRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := h.service.GetRequest(ctx, stringField(in, "id"))
	if err != nil {
		return nil, h.fail("GetRequest", err)
	}
	return toStruct(req)
}

// GetHistory returns {history} for {id}.
func (h *GRPCHandler) GetHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	history, err := h.service.GetHistory(ctx, stringField(in, "id"))
	if err != nil {
		return nil, h.fail("GetHistory", err)
	}
	return toStruct(map[string]any{"history": history})
}

// Approve handles {id, actor_id, comment}.
func (h *GRPCHandler) Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.transition(ctx, "Approve", in, func(id string, a actionRequest) (*repository.ApprovalRequest, error) {
		return h.service.Approve(ctx, id, a.ActorID, a.Comment)
	})
}

// Reject handles {id, actor_id, comment}.
func (h *GRPCHandler) Reject(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.transition(ctx, "Reject", in, func(id string, a actionRequest) (*repository.ApprovalRequest, error) {
		return h.service.Reject(ctx, id, a.ActorID, a.Comment)
	})
}

// View handles {id, actor_id}.
func (h *GRPCHandler) View(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.transition(ctx, "View", in, func(id string, a actionRequest) (*repository.ApprovalRequest, error) {
		return h.service.View(ctx, id, a.ActorID)
	})
}

// Cancel handles {id, actor_id}.
func (h *GRPCHandler) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return h.transition(ctx, "Cancel", in, func(id string, a actionRequest) (*repository.ApprovalRequest, error) {
		return h.service.Cancel(ctx, id, a.ActorID)
	})
}

func (h *GRPCHandler) transition(
	ctx context.Context,
	method string,
	in *structpb.Struct,
	apply func(id string, a actionRequest) (*repository.ApprovalRequest, error),
) (*structpb.Struct, error) {
	var a actionRequest
	if err := fromStruct(in, &a); err != nil {
		return nil, err
	}
	if a.ActorID == "" {
		a.ActorID = userID(ctx)
	}
	if strings.TrimSpace(a.ActorID) == "" {
		return nil, status.Error(codes.InvalidArgument, "actor id is required")
	}

	id := stringField(in, "id")
	h.logger.Info().
		Str("request_id", id).
		Str("actor_id", a.ActorID).
		Msgf("gRPC %s called", method)

	req, err := apply(id, a)
	if err != nil {
		return nil, h.fail(method, err)
	}
	return toStruct(req)
}

// GetPendingApprovals returns {requests, count} for {user_id}.
func (h *GRPCHandler) GetPendingApprovals(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	user := stringField(in, "user_id")
	if user == "" {
		user = userID(ctx)
	}
	pending, err := h.service.GetPendingApprovals(ctx, user)
	if err != nil {
		return nil, h.fail("GetPendingApprovals", err)
	}
	return toStruct(map[string]any{"requests": pending, "count": len(pending)})
}

// InvalidateRules drops cached rules for {subject_id}, or all of them.
func (h *GRPCHandler) InvalidateRules(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	h.service.InvalidateRules(stringField(in, "subject_id"))
	return &structpb.Struct{}, nil
}

func (h *GRPCHandler) fail(method string, err error) error {
	st := mapErrorToGRPC(err)
	if status.Code(st) == codes.Internal {
		h.logger.Error().Err(err).Str("method", method).Msg("gRPC call failed")
	}
	return st
}

// mapErrorToGRPC maps an error code to its gRPC status.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput, errors.ErrCodeParse, errors.ErrCodeCommentRequired:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeNotAuthorized, errors.ErrCodeUnauthorized:
		return status.Error(codes.PermissionDenied, msg)
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyActed:
		return status.Error(codes.AlreadyExists, msg)
	case errors.ErrCodeAlreadyFinalized, errors.ErrCodeValidationFailed:
		return status.Error(codes.FailedPrecondition, msg)
	case errors.ErrCodeConcurrencyConflict:
		return status.Error(codes.Aborted, msg)
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// ── Struct conversion ─────────────────────────────────────────────────────────

// fromStruct decodes a Struct into v through its JSON form, so the gRPC and
// HTTP surfaces share request types.
func fromStruct(in *structpb.Struct, v any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request message")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request message: %v", err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}
