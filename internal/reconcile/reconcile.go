// Package reconcile brings the persisted record set for one conversation in
// line with its freshly extracted canonical message sequence, applying only
// the deletes and upserts needed.
package reconcile

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/robbiehume/chatgpt-recall/internal/embed"
	"github.com/robbiehume/chatgpt-recall/internal/export"
	"github.com/robbiehume/chatgpt-recall/internal/mirror"
	"github.com/robbiehume/chatgpt-recall/internal/store"
)

// Result reports what a reconciliation pass changed.
type Result struct {
	Puts       int
	Deletes    int
	EmbedSkips int
}

// Options carries the optional collaborators. A nil Embedder stores records
// without vectors; a nil Mirror skips the vector-store lockstep.
type Options struct {
	Embedder embed.Embedder
	Mirror   mirror.Mirror
}

// Reconcile syncs the stored message set for conversationID with msgs.
//
// Deletes are existing minus canonical; every canonical message is then
// re-put unconditionally, with no content-hash short-circuit, so an
// unchanged message still causes a rewrite including its embedding. Deletes
// and puts are issued as one logical batch, chunked to the store's batch
// limit; a failed chunk aborts the remaining chunks and surfaces a
// store.WriteError naming confirmed versus attempted sort keys. Every write
// is idempotent by key, so retrying the whole conversation is safe.
//
// An empty msgs slice is valid input: the delete phase still runs and clears
// every stale record.
func Reconcile(ctx context.Context, conversationID string, msgs []export.CanonicalMessage, st store.Store, opts Options) (Result, error) {
	var res Result
	pk := store.ConversationKey(conversationID)

	existing, err := st.IDsWithPrefix(ctx, pk, store.MessagePrefix)
	if err != nil {
		if _, ok := err.(*store.ReadError); ok {
			return res, err
		}
		return res, &store.ReadError{PartitionKey: pk, Err: err}
	}

	currentKeys := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.MessageID == "" {
			log.Warn().Str("conversation", conversationID).Msg("skipping canonical message without an ID")
			continue
		}
		currentKeys[store.MessageSortKey(m.MessageID)] = struct{}{}
	}

	var toDelete []string
	for sk := range existing {
		if _, ok := currentKeys[sk]; !ok {
			toDelete = append(toDelete, sk)
		}
	}
	sort.Strings(toDelete)

	puts, embedSkips := buildRecords(ctx, conversationID, msgs, opts.Embedder)
	res.EmbedSkips = embedSkips

	log.Debug().
		Str("conversation", conversationID).
		Int("existing", len(existing)).
		Int("canonical", len(currentKeys)).
		Int("to_delete", len(toDelete)).
		Int("to_put", len(puts)).
		Msg("computed reconciliation delta")

	if err := applyBatches(ctx, pk, st, puts, toDelete); err != nil {
		return res, err
	}
	res.Deletes = len(toDelete)
	res.Puts = len(puts)

	if opts.Mirror != nil {
		mirrorDelta(ctx, conversationID, opts.Mirror, puts, toDelete)
	}

	return res, nil
}

// buildRecords converts canonical messages to store records, embedding each
// when an embedder is present. An embedding failure drops only that
// message's upsert from this run; the rest of the conversation still syncs,
// and the next run retries the message.
func buildRecords(ctx context.Context, conversationID string, msgs []export.CanonicalMessage, embedder embed.Embedder) ([]store.Record, int) {
	records := make([]store.Record, 0, len(msgs))
	skips := 0
	for _, m := range msgs {
		if m.MessageID == "" {
			continue
		}
		rec := store.Record{
			SortKey:   store.MessageSortKey(m.MessageID),
			Author:    m.Author,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		}
		if embedder != nil {
			vec, err := embedder.Embed(ctx, m.Content)
			if err != nil {
				log.Warn().
					Err(err).
					Str("conversation", conversationID).
					Str("message", m.MessageID).
					Msg("embedding failed, skipping this message's upsert")
				skips++
				continue
			}
			rec.Embedding = vec
		}
		records = append(records, rec)
	}
	return records, skips
}

// applyBatches issues deletes then puts in chunks of the store's batch
// limit. The first failed chunk aborts everything after it.
func applyBatches(ctx context.Context, partitionKey string, st store.Store, puts []store.Record, deletes []string) error {
	limit := st.BatchLimit()
	if limit <= 0 {
		limit = store.DefaultBatchLimit
	}

	var confirmed []string

	for start := 0; start < len(deletes); start += limit {
		end := minInt(start+limit, len(deletes))
		chunk := deletes[start:end]
		if err := st.BatchWrite(ctx, partitionKey, nil, chunk); err != nil {
			return &store.WriteError{
				PartitionKey: partitionKey,
				Confirmed:    confirmed,
				Attempted:    append([]string(nil), chunk...),
				Err:          err,
			}
		}
		confirmed = append(confirmed, chunk...)
	}

	for start := 0; start < len(puts); start += limit {
		end := minInt(start+limit, len(puts))
		chunk := puts[start:end]
		if err := st.BatchWrite(ctx, partitionKey, chunk, nil); err != nil {
			attempted := make([]string, len(chunk))
			for i, rec := range chunk {
				attempted[i] = rec.SortKey
			}
			return &store.WriteError{
				PartitionKey: partitionKey,
				Confirmed:    confirmed,
				Attempted:    attempted,
				Err:          err,
			}
		}
		for _, rec := range chunk {
			confirmed = append(confirmed, rec.SortKey)
		}
	}

	return nil
}

// mirrorDelta applies the same delta to the vector-store mirror. Mirror
// failures are logged and never fail the reconciliation; the mirror catches
// up on the next run because upserts are deterministic by object ID.
func mirrorDelta(ctx context.Context, conversationID string, m mirror.Mirror, puts []store.Record, deletes []string) {
	for _, sk := range deletes {
		msgID, ok := store.MessageIDFromSortKey(sk)
		if !ok {
			continue
		}
		if err := m.Delete(ctx, conversationID, msgID); err != nil {
			log.Warn().Err(err).Str("conversation", conversationID).Str("message", msgID).
				Msg("mirror delete failed")
		}
	}
	for _, rec := range puts {
		msgID, ok := store.MessageIDFromSortKey(rec.SortKey)
		if !ok {
			continue
		}
		obj := mirror.Object{
			ConversationID: conversationID,
			MessageID:      msgID,
			Author:         rec.Author,
			Content:        rec.Content,
			Vector:         rec.Embedding,
		}
		if err := m.Upsert(ctx, obj); err != nil {
			log.Warn().Err(err).Str("conversation", conversationID).Str("message", msgID).
				Msg("mirror upsert failed")
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
