package handler

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type grpcClient struct {
	t    *testing.T
	conn *grpc.ClientConn
}

func newGRPCClient(t *testing.T) *grpcClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryInterceptor(zerolog.Nop()),
		LoggingInterceptor(zerolog.Nop()),
	))
	RegisterApprovalRoutingServer(srv, NewGRPCHandler(newRoutingService(t), zerolog.Nop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &grpcClient{t: t, conn: conn}
}

func (c *grpcClient) call(method, user string, in map[string]any) (map[string]any, error) {
	c.t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(c.t, err)

	ctx := context.Background()
	if user != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, UserIDMetadataKey, user)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func grpcLine(steps ...string) map[string]any {
	var list []any
	for i, user := range steps {
		list = append(list, map[string]any{
			"order":         i + 1,
			"approval_type": "single_allowed",
			"assignments":   []any{map[string]any{"user_id": user, "role": "approve"}},
		})
	}
	return map[string]any{"owner_id": "req", "steps": list}
}

func TestGRPC_Conditions(t *testing.T) {
	c := newGRPCClient(t)

	out, err := c.call("EvaluateCondition", "", map[string]any{
		"condition": "#amount > 100000",
		"context":   map[string]any{"amount": 150000},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["result"])

	out, err = c.call("CheckCondition", "", map[string]any{"condition": "#amount ~ 3"})
	require.NoError(t, err)
	assert.Equal(t, false, out["valid"])
}

func TestGRPC_Lifecycle(t *testing.T) {
	c := newGRPCClient(t)

	out, err := c.call("SubmitRequest", "req", map[string]any{
		"subject_id": "expense",
		"context":    map[string]any{"amount": 150000},
		"line":       grpcLine("mia", "eve"),
	})
	require.NoError(t, err)
	id := out["request"].(map[string]any)["id"].(string)

	out, err = c.call("GetPendingApprovals", "mia", map[string]any{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, out["count"])

	out, err = c.call("Approve", "mia", map[string]any{"id": id})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out["current_step"])

	_, err = c.call("Approve", "mia", map[string]any{"id": id})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = c.call("Reject", "eve", map[string]any{"id": id})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	out, err = c.call("Approve", "", map[string]any{"id": id, "actor_id": "eve"})
	require.NoError(t, err)
	assert.Equal(t, "approved", out["status"])

	_, err = c.call("Cancel", "req", map[string]any{"id": id})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	out, err = c.call("GetHistory", "", map[string]any{"id": id})
	require.NoError(t, err)
	assert.Len(t, out["history"], 2)

	_, err = c.call("GetRequest", "", map[string]any{"id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_SubmitBlockedCarriesOutcome(t *testing.T) {
	c := newGRPCClient(t)

	_, err := c.call("SubmitRequest", "req", map[string]any{
		"subject_id": "expense",
		"context":    map[string]any{"amount": 350000},
		"line":       grpcLine("mia"),
	})
	require.Error(t, err)
	st := status.Convert(err)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Contains(t, st.Message(), "Exec")

	details := st.Details()
	require.Len(t, details, 1)
	outcome, ok := details[0].(*structpb.Struct)
	require.True(t, ok)
	assert.Equal(t, false, outcome.AsMap()["satisfied"])
}

func TestGRPC_ActorRequired(t *testing.T) {
	c := newGRPCClient(t)
	_, err := c.call("View", "", map[string]any{"id": "x"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.call("InvalidateRules", "", map[string]any{})
	assert.NoError(t, err)
}

func TestMapErrorToGRPC(t *testing.T) {
	tests := []struct {
		code string
		want codes.Code
	}{
		{"INVALID_INPUT", codes.InvalidArgument},
		{"COMMENT_REQUIRED", codes.InvalidArgument},
		{"NOT_AUTHORIZED", codes.PermissionDenied},
		{"NOT_FOUND", codes.NotFound},
		{"ALREADY_ACTED", codes.AlreadyExists},
		{"ALREADY_FINALIZED", codes.FailedPrecondition},
		{"CONCURRENCY_CONFLICT", codes.Aborted},
		{"INTERNAL", codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(mapErrorToGRPC(codedError(tt.code))))
		})
	}
	assert.NoError(t, mapErrorToGRPC(nil))
}

func TestRecoveryInterceptor(t *testing.T) {
	interceptor := RecoveryInterceptor(zerolog.Nop())
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"},
		func(context.Context, any) (any, error) { panic("boom") })
	assert.Equal(t, codes.Internal, status.Code(err))
}
