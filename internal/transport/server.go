package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"groupkv/internal/domain"
	"groupkv/internal/raftgroup/ports"
	"groupkv/internal/raftgroup/snap"
)

const unaryTimeout = 5 * time.Second

// Server accepts inbound message batches and serves snapshot chunk streams.
type Server struct {
	addr    string
	handler ports.MessageHandler
	snapMgr *snap.Manager

	grpcServer *grpc.Server
	lis        net.Listener
}

func NewServer(addr string, handler ports.MessageHandler, snapMgr *snap.Manager) *Server {
	return &Server{addr: addr, handler: handler, snapMgr: snapMgr}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.lis = lis

	s.grpcServer = grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(timeoutInterceptor(unaryTimeout)),
	)
	s.grpcServer.RegisterService(&serviceDesc, s)

	slog.Info("transport listening", "addr", lis.Addr().String())
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			slog.Error("transport server stopped serving", "error", err)
		}
	}()

	return nil
}

func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
}

// Addr returns the bound listen address, useful when the configured address
// carries port zero.
func (s *Server) Addr() string {
	if s.lis == nil {
		return s.addr
	}
	return s.lis.Addr().String()
}

// SendBatch implements the unary message delivery method.
func (s *Server) SendBatch(ctx context.Context, batch *ports.RaftMessageBatch) (*sendBatchResponse, error) {
	if err := s.handler.HandleRaftMessage(*batch); err != nil {
		if errors.Is(err, domain.ErrGroupNotFound) {
			return nil, status.Errorf(codes.NotFound, "group %d not hosted here", batch.GroupID)
		}
		return nil, status.Errorf(codes.Unavailable, "deliver batch: %v", err)
	}
	return &sendBatchResponse{}, nil
}

// RetrieveSnapshot streams a stored snapshot: one meta frame, then data
// frames until exhausted.
func (s *Server) RetrieveSnapshot(req *snapshotRequest, stream grpc.ServerStream) error {
	source, err := s.snapMgr.OpenSource(req.ReplicaID, req.SnapshotID)
	if err != nil {
		if errors.Is(err, snap.ErrSnapshotNotFound) {
			return status.Errorf(codes.NotFound, "snapshot %s not found", req.SnapshotID)
		}
		return status.Errorf(codes.Internal, "open snapshot: %v", err)
	}

	meta := source.Meta()
	if err := stream.SendMsg(&snapshotChunk{Meta: &meta}); err != nil {
		return err
	}

	for {
		chunk, err := source.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return status.Errorf(codes.Internal, "read snapshot: %v", err)
		}
		if err := stream.SendMsg(&snapshotChunk{Data: chunk}); err != nil {
			return err
		}
	}
}

func timeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		return handler(ctx, req)
	}
}
