// Package store defines the key-value store the reconciler writes to, keyed
// by (partition key, sort key), plus the Postgres implementation and an
// in-memory substitute for tests.
package store

import (
	"context"
	"fmt"
	"strings"
)

// MessagePrefix is the sort-key prefix for message records. Other record
// kinds (e.g. conversation metadata) can live under the same partition with
// a different prefix.
const MessagePrefix = "MSG#"

// DefaultBatchLimit caps one physical batch write. 25 matches the DynamoDB
// batch-write limit the record layout was designed around.
const DefaultBatchLimit = 25

// ConversationKey builds the partition key for a conversation.
func ConversationKey(conversationID string) string {
	return "CONV#" + conversationID
}

// MessageSortKey builds the sort key for a message record.
func MessageSortKey(messageID string) string {
	return MessagePrefix + messageID
}

// MessageIDFromSortKey strips the message prefix; ok is false for sort keys
// of other record kinds.
func MessageIDFromSortKey(sortKey string) (string, bool) {
	if !strings.HasPrefix(sortKey, MessagePrefix) {
		return "", false
	}
	return sortKey[len(MessagePrefix):], true
}

// Record is one persisted message record. Embedding is optional; a record
// stored without a vector is eligible for later backfill.
type Record struct {
	SortKey   string
	Author    string
	Content   string
	Timestamp *float64
	Embedding []float32
}

// Store is the key-value collaborator consumed by the reconciler. Put-for-
// existing-key must overwrite by key, never duplicate; the store is the sole
// arbiter of per-key write ordering (last write wins).
type Store interface {
	// IDsWithPrefix returns the sort keys currently persisted under the
	// partition key that begin with the given prefix.
	IDsWithPrefix(ctx context.Context, partitionKey, sortKeyPrefix string) (map[string]struct{}, error)

	// BatchWrite applies one chunk of deletes (by sort key) and puts under
	// the partition key. Callers keep chunks within BatchLimit.
	BatchWrite(ctx context.Context, partitionKey string, puts []Record, deletes []string) error

	// BatchLimit is the store's maximum chunk size for BatchWrite.
	BatchLimit() int
}

// ReadError wraps a failure to query existing records. The store's own retry
// policy has already been exhausted when this surfaces.
type ReadError struct {
	PartitionKey string
	Err          error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("store read for %s failed: %v", e.PartitionKey, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// WriteError wraps a rejected batch chunk. Confirmed lists sort keys from
// chunks that committed before the failure; Attempted lists the failed
// chunk's sort keys. Chunks after the failure were never issued, so a retry
// of the whole conversation is safe (every write is idempotent by key).
type WriteError struct {
	PartitionKey string
	Confirmed    []string
	Attempted    []string
	Err          error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store write for %s failed (%d confirmed, %d attempted): %v",
		e.PartitionKey, len(e.Confirmed), len(e.Attempted), e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
