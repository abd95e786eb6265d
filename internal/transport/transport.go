package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"groupkv/internal/domain"
	"groupkv/internal/raftgroup/ports"
)

const sendTimeout = 2 * time.Second

// Transport is the outbound side: one buffered channel per destination node,
// each drained by its own goroutine into a shared gRPC connection. Delivery
// is best-effort; a full queue or a failed call drops the batch and the
// consensus algorithm retransmits.
type Transport struct {
	resolver  ports.AddressResolver
	queueSize int
	channels  *xsync.MapOf[uint64, *peerChannel]
}

func New(resolver ports.AddressResolver, queueSize int) *Transport {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Transport{
		resolver:  resolver,
		queueSize: queueSize,
		channels:  xsync.NewMapOf[uint64, *peerChannel](),
	}
}

// Send implements ports.Transport.
func (t *Transport) Send(batch ports.RaftMessageBatch) {
	ch, err := t.channel(batch.To.NodeID)
	if err != nil {
		slog.Warn("dropping batch to unresolvable node",
			"node", batch.To.NodeID, "group", batch.GroupID, "error", err)
		return
	}

	select {
	case ch.queue <- batch:
	default:
		slog.Warn("send queue full, dropping batch",
			"node", batch.To.NodeID, "group", batch.GroupID, "messages", len(batch.Messages))
	}
}

// Retrieve implements ports.SnapshotRetriever, streaming snapshot chunks
// from the node hosting the sending replica.
func (t *Transport) Retrieve(ctx context.Context, from domain.ReplicaDesc, snapshotID string) (ports.SnapshotSource, error) {
	ch, err := t.channel(from.NodeID)
	if err != nil {
		return nil, err
	}

	stream, err := ch.conn.NewStream(ctx, &retrieveStreamDesc, retrieveSnapshotMethod, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return nil, fmt.Errorf("open snapshot stream: %w", err)
	}
	if err := stream.SendMsg(&snapshotRequest{ReplicaID: from.ID, SnapshotID: snapshotID}); err != nil {
		return nil, fmt.Errorf("request snapshot: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close snapshot request: %w", err)
	}

	var head snapshotChunk
	if err := stream.RecvMsg(&head); err != nil {
		return nil, fmt.Errorf("receive snapshot meta: %w", err)
	}
	if head.Meta == nil {
		return nil, fmt.Errorf("snapshot stream missing meta frame")
	}

	return &remoteSource{meta: *head.Meta, stream: stream}, nil
}

func (t *Transport) channel(nodeID uint64) (*peerChannel, error) {
	if ch, ok := t.channels.Load(nodeID); ok {
		return ch, nil
	}

	addr, err := t.resolver.Resolve(nodeID)
	if err != nil {
		return nil, err
	}
	conn, err := dialPeer(addr)
	if err != nil {
		return nil, fmt.Errorf("dial node %d at %s: %w", nodeID, addr, err)
	}

	ch := newPeerChannel(nodeID, conn, t.queueSize)
	actual, loaded := t.channels.LoadOrStore(nodeID, ch)
	if loaded {
		ch.close()
		return actual, nil
	}
	ch.start()
	return ch, nil
}

// Close tears down every peer channel and connection.
func (t *Transport) Close() {
	t.channels.Range(func(nodeID uint64, ch *peerChannel) bool {
		t.channels.Delete(nodeID)
		ch.close()
		return true
	})
}

// peerChannel serializes batches to one node, preserving order within the
// session the way a single connection does.
type peerChannel struct {
	nodeID uint64
	conn   *grpc.ClientConn
	queue  chan ports.RaftMessageBatch
	stopCh chan struct{}
	done   chan struct{}
}

func newPeerChannel(nodeID uint64, conn *grpc.ClientConn, queueSize int) *peerChannel {
	return &peerChannel{
		nodeID: nodeID,
		conn:   conn,
		queue:  make(chan ports.RaftMessageBatch, queueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *peerChannel) start() {
	go c.run()
}

func (c *peerChannel) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stopCh:
			return
		case batch := <-c.queue:
			c.deliver(batch)
		}
	}
}

func (c *peerChannel) deliver(batch ports.RaftMessageBatch) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	var resp sendBatchResponse
	err := c.conn.Invoke(ctx, sendBatchMethod, &batch, &resp, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		slog.Warn("failed to deliver batch",
			"node", c.nodeID, "group", batch.GroupID, "messages", len(batch.Messages), "error", err)
	}
}

func (c *peerChannel) close() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.conn.Close()
}

func dialPeer(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// remoteSource adapts the chunk stream to ports.SnapshotSource.
type remoteSource struct {
	meta   ports.SnapshotMeta
	stream grpc.ClientStream
}

func (s *remoteSource) Meta() ports.SnapshotMeta { return s.meta }

func (s *remoteSource) Next() ([]byte, error) {
	var chunk snapshotChunk
	if err := s.stream.RecvMsg(&chunk); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("receive snapshot chunk: %w", err)
	}
	return chunk.Data, nil
}
