// Package export parses raw ChatGPT conversation exports and extracts the
// canonical message thread: the single path from the root node to the current
// edit tip, excluding abandoned edit branches.
package export

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Root node ID patterns that signify the start of a conversation tree.
// ChatGPT exports use "client-created-root" as a synthetic root marker; an
// empty parent means the node itself is the root.
func isRootIndicator(id string) bool {
	return id == "" || id == "client-created-root"
}

// Export is one raw conversation export: a node mapping plus the ID of the
// tip of the active branch.
type Export struct {
	Title       string          `json:"title"`
	Mapping     map[string]Node `json:"mapping"`
	CurrentNode string          `json:"current_node"`
}

// Node is one entry in the export's node mapping. Only parent pointers are
// followed; children are never traversed.
type Node struct {
	ID      string   `json:"id"`
	Parent  string   `json:"parent"`
	Message *Message `json:"message"`
}

// Message is the optional payload of a node. Structural nodes (e.g. the
// synthetic root) carry none.
type Message struct {
	ID         string   `json:"id"`
	Author     Author   `json:"author"`
	CreateTime *float64 `json:"create_time"`
	UpdateTime *float64 `json:"update_time"`
	Content    Content  `json:"content"`
}

// Author identifies who produced a message.
type Author struct {
	Role string `json:"role"`
}

// Content holds the message text as a list of parts. Parts may contain
// non-string payloads (e.g. image references) which are skipped.
type Content struct {
	ContentType string `json:"content_type"`
	Parts       []any  `json:"parts"`
}

// CanonicalMessage is one flattened message on the canonical thread.
// The JSON field names match the parsed-file format consumed by the ingest
// step.
type CanonicalMessage struct {
	MessageID      string   `json:"MessageID"`
	Timestamp      *float64 `json:"Timestamp"`
	Author         string   `json:"Author"`
	Content        string   `json:"Content"`
	ConversationID string   `json:"-"`
}

// MalformedExportError indicates an export that is structurally invalid:
// unparseable JSON, a current node missing from the mapping, or a parent
// chain that does not terminate. It is fatal for the one conversation only.
type MalformedExportError struct {
	Reason string
}

func (e *MalformedExportError) Error() string {
	return "malformed export: " + e.Reason
}

// Normalize decodes a raw export file into one or more exports. A top-level
// JSON array yields one export per element; a single object yields one.
// Callers depend on always receiving one conversation per logical unit, so
// this normalization is part of the contract rather than a parsing detail.
// Invalid JSON is run through a repair pass before being rejected, since
// exports are sometimes truncated or hand-edited.
func Normalize(raw []byte) ([]Export, error) {
	trimmed := strings.TrimLeftFunc(string(raw), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if trimmed == "" {
		return nil, &MalformedExportError{Reason: "empty export file"}
	}

	decode := func(data string) ([]Export, error) {
		if strings.HasPrefix(data, "[") {
			var exports []Export
			if err := json.Unmarshal([]byte(data), &exports); err != nil {
				return nil, err
			}
			return exports, nil
		}
		var exp Export
		if err := json.Unmarshal([]byte(data), &exp); err != nil {
			return nil, err
		}
		return []Export{exp}, nil
	}

	exports, err := decode(trimmed)
	if err == nil {
		return exports, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(trimmed)
	if repairErr != nil {
		return nil, &MalformedExportError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	exports, err = decode(repaired)
	if err != nil {
		return nil, &MalformedExportError{Reason: fmt.Sprintf("invalid JSON after repair: %v", err)}
	}
	return exports, nil
}

// ExtractCanonical walks the parent chain backward from the export's current
// node and returns the message-bearing nodes on that path in root-to-leaf
// order. Walking backward from the tip is O(depth) and naturally skips
// abandoned edit branches, so no branch-selection heuristics are needed.
//
// Nodes without a message payload, with a role other than user/assistant,
// or with no text content are skipped. Returns MalformedExportError when the
// current node is missing from the mapping or the parent chain does not
// terminate (cycle or dangling parent reference).
func ExtractCanonical(exp Export, conversationID string) ([]CanonicalMessage, error) {
	if exp.CurrentNode == "" {
		return nil, &MalformedExportError{Reason: "missing current_node"}
	}
	if len(exp.Mapping) == 0 {
		return nil, &MalformedExportError{Reason: "missing node mapping"}
	}
	if _, ok := exp.Mapping[exp.CurrentNode]; !ok {
		return nil, &MalformedExportError{
			Reason: fmt.Sprintf("current_node %q not found in mapping", exp.CurrentNode),
		}
	}

	var collected []CanonicalMessage
	visited := make(map[string]bool, len(exp.Mapping))

	nodeID := exp.CurrentNode
	for !isRootIndicator(nodeID) {
		if visited[nodeID] {
			return nil, &MalformedExportError{
				Reason: fmt.Sprintf("cycle detected at node %q", nodeID),
			}
		}
		node, ok := exp.Mapping[nodeID]
		if !ok {
			return nil, &MalformedExportError{
				Reason: fmt.Sprintf("dangling parent reference %q", nodeID),
			}
		}
		// The visited set already catches cycles and the lookup catches
		// dangling ids, so this bound only backstops pathological
		// non-termination.
		if len(visited) >= len(exp.Mapping) {
			return nil, &MalformedExportError{Reason: "parent chain does not terminate"}
		}
		visited[nodeID] = true

		if msg := canonicalFromNode(node, conversationID); msg != nil {
			collected = append(collected, *msg)
		}

		nodeID = node.Parent
	}

	// Collected leaf-to-root; reverse into chronological ancestry order.
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}

// canonicalFromNode flattens one node into a CanonicalMessage, or returns nil
// when the node carries no usable message.
func canonicalFromNode(node Node, conversationID string) *CanonicalMessage {
	msg := node.Message
	if msg == nil {
		return nil
	}
	role := msg.Author.Role
	if role != "user" && role != "assistant" {
		return nil
	}
	if msg.ID == "" {
		return nil
	}
	content := joinParts(msg.Content.Parts)
	if content == "" {
		return nil
	}
	ts := msg.CreateTime
	if ts == nil {
		ts = msg.UpdateTime
	}
	return &CanonicalMessage{
		MessageID:      msg.ID,
		Timestamp:      ts,
		Author:         role,
		Content:        content,
		ConversationID: conversationID,
	}
}

// joinParts concatenates the string parts of a message, space-separated,
// dropping empty parts and non-string payloads.
func joinParts(parts []any) string {
	var kept []string
	for _, part := range parts {
		s, ok := part.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		kept = append(kept, s)
	}
	return strings.Join(kept, " ")
}
