package client

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeDirectory serves ResolveGroupMemberships from a map and remembers the
// caller metadata of the last call.
type fakeDirectory struct {
	groups   map[string][]any
	lastUser []string
}

func (f *fakeDirectory) resolve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		f.lastUser = md.Get("x-user-id")
	}
	userID := req.GetFields()["user_id"].GetStringValue()
	groups, ok := f.groups[userID]
	if !ok {
		return nil, status.Error(codes.NotFound, "unknown user")
	}
	return structpb.NewStruct(map[string]any{"groups": groups})
}

func startDirectory(t *testing.T, fake *fakeDirectory) *DirectoryGRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "directory.v1.DirectoryService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "ResolveGroupMemberships",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return fake.resolve(ctx, in)
			},
		}},
	}, fake)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewDirectoryGRPCClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDirectoryGRPCClient_Resolve(t *testing.T) {
	fake := &fakeDirectory{groups: map[string][]any{
		"mia": {
			map[string]any{"id": "manager", "name": "Manager", "priority": 5},
			map[string]any{"id": "retired", "name": "Retired", "priority": 50, "is_active": false},
		},
		"nobody": {},
	}}
	c := startDirectory(t, fake)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-user-id", "sam"))
	groups, err := c.ResolveGroupMemberships(ctx, "mia")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "manager", groups[0].ID)
	assert.Equal(t, 5, groups[0].Priority)
	assert.True(t, groups[0].IsActive)
	assert.False(t, groups[1].IsActive)
	assert.Equal(t, []string{"sam"}, fake.lastUser)

	groups, err = c.ResolveGroupMemberships(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, groups)

	groups, err = c.ResolveGroupMemberships(context.Background(), "stranger")
	require.NoError(t, err)
	assert.Nil(t, groups)
}

func TestDirectoryGRPCClient_MalformedGroup(t *testing.T) {
	fake := &fakeDirectory{groups: map[string][]any{
		"mia": {map[string]any{"name": "No ID", "priority": 1}},
	}}
	c := startDirectory(t, fake)

	_, err := c.ResolveGroupMemberships(context.Background(), "mia")
	assert.Error(t, err)
}
