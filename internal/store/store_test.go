package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "CONV#ChatGPT-New_chat", ConversationKey("ChatGPT-New_chat"))
	assert.Equal(t, "MSG#abc", MessageSortKey("abc"))

	id, ok := MessageIDFromSortKey("MSG#abc")
	require.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = MessageIDFromSortKey("META#title")
	assert.False(t, ok)
}

func TestPostgresSetBatchLimit(t *testing.T) {
	p := &Postgres{limit: DefaultBatchLimit}

	p.SetBatchLimit(10)
	assert.Equal(t, 10, p.BatchLimit())

	p.SetBatchLimit(0)
	assert.Equal(t, 10, p.BatchLimit(), "non-positive values keep the current limit")
	p.SetBatchLimit(-5)
	assert.Equal(t, 10, p.BatchLimit())
}

func TestMemoryOverwriteByKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	pk := ConversationKey("c1")

	err := m.BatchWrite(ctx, pk, []Record{{SortKey: "MSG#1", Content: "old"}}, nil)
	require.NoError(t, err)
	err = m.BatchWrite(ctx, pk, []Record{{SortKey: "MSG#1", Content: "new"}}, nil)
	require.NoError(t, err)

	recs := m.Records(pk)
	require.Len(t, recs, 1, "put for existing key must overwrite, not duplicate")
	assert.Equal(t, "new", recs["MSG#1"].Content)
}

func TestMemoryPrefixScoping(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	pk := ConversationKey("c1")

	err := m.BatchWrite(ctx, pk, []Record{
		{SortKey: "MSG#1"},
		{SortKey: "MSG#2"},
		{SortKey: "META#title"},
	}, nil)
	require.NoError(t, err)

	ids, err := m.IDsWithPrefix(ctx, pk, MessagePrefix)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "MSG#1")
	assert.NotContains(t, ids, "META#title")

	// Other partitions are invisible.
	ids, err = m.IDsWithPrefix(ctx, ConversationKey("c2"), MessagePrefix)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryDeleteThenPutInOneChunk(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	pk := ConversationKey("c1")

	require.NoError(t, m.BatchWrite(ctx, pk, []Record{{SortKey: "MSG#stale"}}, nil))
	require.NoError(t, m.BatchWrite(ctx, pk,
		[]Record{{SortKey: "MSG#fresh"}},
		[]string{"MSG#stale"}))

	recs := m.Records(pk)
	assert.NotContains(t, recs, "MSG#stale")
	assert.Contains(t, recs, "MSG#fresh")
}

func TestMemoryInjectedFailureAppliesNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.FailOnCall = 1
	pk := ConversationKey("c1")

	err := m.BatchWrite(ctx, pk, []Record{{SortKey: "MSG#1"}}, nil)
	require.Error(t, err)
	assert.Empty(t, m.Records(pk))

	// Subsequent calls succeed again.
	require.NoError(t, m.BatchWrite(ctx, pk, []Record{{SortKey: "MSG#1"}}, nil))
	assert.Len(t, m.Records(pk), 1)
}
