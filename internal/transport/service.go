package transport

import (
	"context"

	"google.golang.org/grpc"

	"groupkv/internal/raftgroup/ports"
)

const (
	serviceName            = "groupkv.Raft"
	sendBatchMethod        = "/groupkv.Raft/SendBatch"
	retrieveSnapshotMethod = "/groupkv.Raft/RetrieveSnapshot"
)

type sendBatchResponse struct{}

// snapshotRequest names a stored snapshot on the serving replica.
type snapshotRequest struct {
	ReplicaID  uint64 `json:"replica_id"`
	SnapshotID string `json:"snapshot_id"`
}

// snapshotChunk is one frame of the snapshot stream: the first frame carries
// the meta, every following frame one data chunk.
type snapshotChunk struct {
	Meta *ports.SnapshotMeta `json:"meta,omitempty"`
	Data []byte              `json:"data,omitempty"`
}

type raftService interface {
	SendBatch(ctx context.Context, batch *ports.RaftMessageBatch) (*sendBatchResponse, error)
	RetrieveSnapshot(req *snapshotRequest, stream grpc.ServerStream) error
}

// serviceDesc is built by hand; the wire contract is small enough that
// generated stubs would add a build step without buying anything.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raftService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendBatch",
			Handler:    sendBatchHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RetrieveSnapshot",
			Handler:       retrieveSnapshotHandler,
			ServerStreams: true,
		},
	},
}

func sendBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ports.RaftMessageBatch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftService).SendBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendBatchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(raftService).SendBatch(ctx, req.(*ports.RaftMessageBatch))
	}
	return interceptor(ctx, in, info, handler)
}

func retrieveSnapshotHandler(srv any, stream grpc.ServerStream) error {
	in := new(snapshotRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(raftService).RetrieveSnapshot(in, stream)
}

var retrieveStreamDesc = grpc.StreamDesc{
	StreamName:    "RetrieveSnapshot",
	ServerStreams: true,
}
