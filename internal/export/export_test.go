package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(v float64) *float64 { return &v }

// buildExport wires nodes into a mapping keyed by node ID.
func buildExport(current string, nodes ...Node) Export {
	mapping := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		mapping[n.ID] = n
	}
	return Export{Mapping: mapping, CurrentNode: current}
}

func userNode(id, parent, msgID, text string, at float64) Node {
	return Node{
		ID:     id,
		Parent: parent,
		Message: &Message{
			ID:         msgID,
			Author:     Author{Role: "user"},
			CreateTime: ts(at),
			Content:    Content{ContentType: "text", Parts: []any{text}},
		},
	}
}

func assistantNode(id, parent, msgID, text string, at float64) Node {
	n := userNode(id, parent, msgID, text, at)
	n.Message.Author.Role = "assistant"
	return n
}

func TestExtractCanonicalOrdering(t *testing.T) {
	exp := buildExport("n3",
		Node{ID: "root", Parent: "client-created-root"}, // structural, no message
		userNode("n1", "root", "m1", "hello", 100),
		assistantNode("n2", "n1", "m2", "hi there", 101),
		userNode("n3", "n2", "m3", "thanks", 102),
	)

	msgs, err := ExtractCanonical(exp, "ChatGPT-New_chat")
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// Strict root-to-leaf order, not mapping insertion order.
	assert.Equal(t, []string{"m1", "m2", "m3"},
		[]string{msgs[0].MessageID, msgs[1].MessageID, msgs[2].MessageID})
	assert.Equal(t, "user", msgs[0].Author)
	assert.Equal(t, "assistant", msgs[1].Author)
	assert.Equal(t, 100.0, *msgs[0].Timestamp)
	assert.Equal(t, "ChatGPT-New_chat", msgs[0].ConversationID)
}

func TestExtractCanonicalIgnoresAbandonedBranches(t *testing.T) {
	// n2a is an abandoned edit; the current node descends from n2b.
	exp := buildExport("n3",
		Node{ID: "root", Parent: ""},
		userNode("n1", "root", "m1", "question", 1),
		assistantNode("n2a", "n1", "m2a", "first answer", 2),
		assistantNode("n2b", "n1", "m2b", "regenerated answer", 3),
		userNode("n3", "n2b", "m3", "followup", 4),
	)

	msgs, err := ExtractCanonical(exp, "conv")
	require.NoError(t, err)

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MessageID
	}
	assert.Equal(t, []string{"m1", "m2b", "m3"}, ids)
	assert.NotContains(t, ids, "m2a", "abandoned branch must be excluded")
}

func TestExtractCanonicalSkipsNonConversationalNodes(t *testing.T) {
	sys := Node{
		ID:     "s1",
		Parent: "root",
		Message: &Message{
			ID:         "msys",
			Author:     Author{Role: "system"},
			CreateTime: ts(1),
			Content:    Content{Parts: []any{"system prompt"}},
		},
	}
	emptyContent := userNode("n2", "s1", "m2", "", 2)
	exp := buildExport("n3",
		Node{ID: "root", Parent: ""},
		sys,
		emptyContent,
		userNode("n3", "n2", "m3", "real message", 3),
	)

	msgs, err := ExtractCanonical(exp, "conv")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m3", msgs[0].MessageID)
}

func TestExtractCanonicalJoinsContentParts(t *testing.T) {
	n := userNode("n1", "", "m1", "", 1)
	n.Message.Content.Parts = []any{"  first ", "", "second", map[string]any{"asset": "img"}, " third"}
	exp := buildExport("n1", n)

	msgs, err := ExtractCanonical(exp, "conv")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "first second third", msgs[0].Content)
}

func TestExtractCanonicalTimestampFallback(t *testing.T) {
	n := userNode("n1", "", "m1", "hi", 0)
	n.Message.CreateTime = nil
	n.Message.UpdateTime = ts(42)
	exp := buildExport("n1", n)

	msgs, err := ExtractCanonical(exp, "conv")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 42.0, *msgs[0].Timestamp)

	n.Message.UpdateTime = nil
	exp = buildExport("n1", n)
	msgs, err = ExtractCanonical(exp, "conv")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Timestamp)
}

func TestExtractCanonicalMissingCurrentNode(t *testing.T) {
	exp := buildExport("nope", userNode("n1", "", "m1", "hi", 1))

	_, err := ExtractCanonical(exp, "conv")
	var malformed *MalformedExportError
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "nope")
}

func TestExtractCanonicalDanglingParent(t *testing.T) {
	exp := buildExport("n2",
		userNode("n2", "ghost", "m2", "hi", 1),
	)

	_, err := ExtractCanonical(exp, "conv")
	var malformed *MalformedExportError
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "dangling")
}

func TestExtractCanonicalDanglingParentAfterFullWalk(t *testing.T) {
	// The dangling reference is only reached once every mapping node has
	// been visited; it must still be reported as dangling, not as a
	// non-terminating chain.
	exp := buildExport("n2",
		userNode("n1", "ghost", "m1", "a", 1),
		userNode("n2", "n1", "m2", "b", 2),
	)

	_, err := ExtractCanonical(exp, "conv")
	var malformed *MalformedExportError
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "dangling")
	assert.Contains(t, malformed.Reason, "ghost")
}

func TestExtractCanonicalCycle(t *testing.T) {
	exp := buildExport("n2",
		userNode("n1", "n2", "m1", "a", 1),
		userNode("n2", "n1", "m2", "b", 2),
	)

	_, err := ExtractCanonical(exp, "conv")
	var malformed *MalformedExportError
	require.ErrorAs(t, err, &malformed)
}

func TestExtractCanonicalEmptyMapping(t *testing.T) {
	_, err := ExtractCanonical(Export{CurrentNode: "n1"}, "conv")
	var malformed *MalformedExportError
	assert.ErrorAs(t, err, &malformed)

	_, err = ExtractCanonical(buildExport("", userNode("n1", "", "m1", "hi", 1)), "conv")
	assert.ErrorAs(t, err, &malformed)
}

func TestNormalizeSingleObject(t *testing.T) {
	raw := []byte(`{"title":"t","current_node":"n1","mapping":{"n1":{"id":"n1","parent":null,"message":null}}}`)

	exports, err := Normalize(raw)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, "n1", exports[0].CurrentNode)
	assert.Equal(t, "", exports[0].Mapping["n1"].Parent)
}

func TestNormalizeList(t *testing.T) {
	raw := []byte(`[
		{"current_node":"a","mapping":{"a":{"id":"a"}}},
		{"current_node":"b","mapping":{"b":{"id":"b"}}}
	]`)

	exports, err := Normalize(raw)
	require.NoError(t, err)
	require.Len(t, exports, 2)
	assert.Equal(t, "a", exports[0].CurrentNode)
	assert.Equal(t, "b", exports[1].CurrentNode)
}

func TestNormalizeRepairsSloppyJSON(t *testing.T) {
	// Trailing comma: invalid under encoding/json, recoverable via repair.
	raw := []byte(`{"current_node":"n1","mapping":{"n1":{"id":"n1"}},}`)

	exports, err := Normalize(raw)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, "n1", exports[0].CurrentNode)
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	var malformed *MalformedExportError

	_, err := Normalize([]byte(""))
	assert.ErrorAs(t, err, &malformed)

	// A bare string is valid JSON but decodes into neither export shape.
	_, err = Normalize([]byte(`"just a string"`))
	assert.ErrorAs(t, err, &malformed)
}
