package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-routing/internal/repository"
)

// ResolveGroupMembershipsMethod is the full gRPC method name served by the
// directory service. Requests and responses are google.protobuf.Struct:
//
//	request:  {"user_id": "u1"}
//	response: {"groups": [{"id", "name", "priority", "is_active"}]}
const ResolveGroupMembershipsMethod = "/directory.v1.DirectoryService/ResolveGroupMemberships"

// DirectoryGRPCClient resolves authority group memberships against the
// external directory service.
type DirectoryGRPCClient struct {
	conn *grpc.ClientConn
}

// NewDirectoryGRPCClient dials the directory gRPC service. Extra options are
// appended after the defaults (insecure transport, metadata forwarding).
func NewDirectoryGRPCClient(addr string, opts ...grpc.DialOption) (*DirectoryGRPCClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &DirectoryGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *DirectoryGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// ResolveGroupMemberships returns every group userID belongs to. A user the
// directory does not know belongs to no group.
func (c *DirectoryGRPCClient) ResolveGroupMemberships(ctx context.Context, userID string) ([]repository.AuthorityGroup, error) {
	req, err := structpb.NewStruct(map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ResolveGroupMembershipsMethod, req, resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve group memberships: %w", err)
	}

	var groups []repository.AuthorityGroup
	for _, v := range resp.GetFields()["groups"].GetListValue().GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			continue
		}
		g := repository.AuthorityGroup{
			ID:       fields["id"].GetStringValue(),
			Name:     fields["name"].GetStringValue(),
			Priority: int(fields["priority"].GetNumberValue()),
			IsActive: true,
		}
		if active, ok := fields["is_active"]; ok {
			g.IsActive = active.GetBoolValue()
		}
		if g.ID == "" {
			return nil, fmt.Errorf("directory returned a group without id for user %s", userID)
		}
		groups = append(groups, g)
	}
	return groups, nil
}
