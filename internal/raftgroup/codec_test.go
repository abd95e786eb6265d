package raftgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProposalRoundTrip(t *testing.T) {
	buf, err := encodeProposal(7, []byte("payload"))
	require.NoError(t, err)

	env, err := decodeProposal(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), env.ID)
	assert.Equal(t, []byte("payload"), env.Data)
}

func TestProposalEmptyData(t *testing.T) {
	buf, err := encodeProposal(3, nil)
	require.NoError(t, err)

	env, err := decodeProposal(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), env.ID)
	assert.Empty(t, env.Data)
}

func TestDecodeProposalMalformed(t *testing.T) {
	_, err := decodeProposal([]byte("not an envelope"))
	require.Error(t, err)
}

func TestReadPolicyString(t *testing.T) {
	assert.Equal(t, "relaxed", ReadRelaxed.String())
	assert.Equal(t, "lease", ReadLease.String())
	assert.Equal(t, "read-index", ReadIndex.String())
	assert.Equal(t, "unknown", ReadPolicy(17).String())
}
