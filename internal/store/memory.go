package store

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Memory is an in-memory Store for tests. It honors the same semantics as
// the Postgres store: overwrite by key, prefix queries, chunked writes.
// FailOnCall, when > 0, makes the Nth BatchWrite call fail without applying
// anything, to exercise chunk-abort handling.
type Memory struct {
	mu         sync.Mutex
	partitions map[string]map[string]Record
	limit      int

	writeCalls int
	FailOnCall int
	FailErr    error
}

// NewMemory returns an empty in-memory store with the default batch limit.
func NewMemory() *Memory {
	return &Memory{
		partitions: make(map[string]map[string]Record),
		limit:      DefaultBatchLimit,
	}
}

// SetBatchLimit overrides the chunk size, letting tests force multi-chunk
// writes with small data sets.
func (m *Memory) SetBatchLimit(n int) { m.limit = n }

func (m *Memory) BatchLimit() int { return m.limit }

func (m *Memory) IDsWithPrefix(_ context.Context, partitionKey, sortKeyPrefix string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[string]struct{})
	for sk := range m.partitions[partitionKey] {
		if strings.HasPrefix(sk, sortKeyPrefix) {
			ids[sk] = struct{}{}
		}
	}
	return ids, nil
}

func (m *Memory) BatchWrite(_ context.Context, partitionKey string, puts []Record, deletes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.FailOnCall > 0 && m.writeCalls == m.FailOnCall {
		err := m.FailErr
		if err == nil {
			err = errors.New("injected batch write failure")
		}
		return err
	}

	part := m.partitions[partitionKey]
	if part == nil {
		part = make(map[string]Record)
		m.partitions[partitionKey] = part
	}
	for _, sk := range deletes {
		delete(part, sk)
	}
	for _, rec := range puts {
		part[rec.SortKey] = rec
	}
	return nil
}

// WriteCalls reports how many BatchWrite calls were issued.
func (m *Memory) WriteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCalls
}

// Records returns a copy of the partition's records keyed by sort key.
func (m *Memory) Records(partitionKey string) map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Record, len(m.partitions[partitionKey]))
	for sk, rec := range m.partitions[partitionKey] {
		out[sk] = rec
	}
	return out
}
