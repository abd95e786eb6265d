package transport

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3/raftpb"

	"groupkv/internal/domain"
	"groupkv/internal/raftgroup/ports"
	"groupkv/internal/raftgroup/snap"
)

type capturingHandler struct {
	batches chan ports.RaftMessageBatch
}

func newCapturingHandler() *capturingHandler {
	return &capturingHandler{batches: make(chan ports.RaftMessageBatch, 16)}
}

func (h *capturingHandler) HandleRaftMessage(batch ports.RaftMessageBatch) error {
	h.batches <- batch
	return nil
}

type sliceBuilder struct {
	chunks [][]byte
	index  uint64
	pos    int
}

func (b *sliceBuilder) Next() ([]byte, error) {
	if b.pos >= len(b.chunks) {
		return nil, io.EOF
	}
	chunk := b.chunks[b.pos]
	b.pos++
	return chunk, nil
}

func (b *sliceBuilder) AppliedIndex() uint64                { return b.index }
func (b *sliceBuilder) AppliedTerm() uint64                 { return 1 }
func (b *sliceBuilder) Descriptor() domain.GroupDescriptor { return domain.GroupDescriptor{ID: 1} }

// startServer boots a loopback server and a transport dialing it as node 2.
func startServer(t *testing.T) (*capturingHandler, *snap.Manager, *Transport) {
	t.Helper()

	handler := newCapturingHandler()
	snapMgr, err := snap.NewManager(filepath.Join(t.TempDir(), "snap"))
	require.NoError(t, err)

	server := NewServer("127.0.0.1:0", handler, snapMgr)
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	tr := New(StaticResolver{2: server.Addr()}, 8)
	t.Cleanup(tr.Close)

	return handler, snapMgr, tr
}

func TestSendBatchDelivery(t *testing.T) {
	handler, _, tr := startServer(t)

	batch := ports.RaftMessageBatch{
		GroupID: 1,
		From:    domain.ReplicaDesc{ID: 1, NodeID: 1},
		To:      domain.ReplicaDesc{ID: 2, NodeID: 2},
		Messages: []raftpb.Message{
			{Type: raftpb.MsgHeartbeat, From: 1, To: 2, Term: 5, Commit: 7},
			{Type: raftpb.MsgApp, From: 1, To: 2, Term: 5, Index: 7, Entries: []raftpb.Entry{
				{Index: 8, Term: 5, Data: []byte("payload")},
			}},
		},
	}
	tr.Send(batch)

	select {
	case got := <-handler.batches:
		assert.Equal(t, batch.GroupID, got.GroupID)
		assert.Equal(t, batch.From, got.From)
		require.Len(t, got.Messages, 2)
		assert.Equal(t, raftpb.MsgHeartbeat, got.Messages[0].Type)
		assert.Equal(t, uint64(7), got.Messages[0].Commit)
		require.Len(t, got.Messages[1].Entries, 1)
		assert.Equal(t, []byte("payload"), got.Messages[1].Entries[0].Data)
	case <-time.After(5 * time.Second):
		t.Fatal("batch never delivered")
	}
}

func TestSendToUnresolvableNodeDrops(t *testing.T) {
	tr := New(StaticResolver{}, 8)
	t.Cleanup(tr.Close)

	// Must not panic or block.
	tr.Send(ports.RaftMessageBatch{
		GroupID: 1,
		To:      domain.ReplicaDesc{ID: 9, NodeID: 9},
	})
}

func TestRetrieveSnapshot(t *testing.T) {
	_, snapMgr, tr := startServer(t)

	meta, err := snapMgr.Create(3, &sliceBuilder{
		chunks: [][]byte{[]byte("alpha"), []byte("beta")},
		index:  12,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	source, err := tr.Retrieve(ctx, domain.ReplicaDesc{ID: 3, NodeID: 2}, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta, source.Meta())

	var data []byte
	for {
		chunk, err := source.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data = append(data, chunk...)
	}
	assert.Equal(t, []byte("alphabeta"), data)
}

func TestRetrieveUnknownSnapshot(t *testing.T) {
	_, _, tr := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tr.Retrieve(ctx, domain.ReplicaDesc{ID: 3, NodeID: 2}, "missing")
	require.Error(t, err)
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{1: "127.0.0.1:9300"}

	addr, err := r.Resolve(1)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9300", addr)

	_, err = r.Resolve(2)
	require.Error(t, err)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := jsonCodec{}
	assert.Equal(t, "json", codec.Name())

	in := snapshotRequest{ReplicaID: 3, SnapshotID: "00000000000000ff"}
	data, err := codec.Marshal(&in)
	require.NoError(t, err)

	var out snapshotRequest
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
