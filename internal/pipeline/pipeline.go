// Package pipeline runs the full archive sync: prepare working directories,
// parse every raw export into its canonical message list, then reconcile
// each conversation against the store. Errors stay scoped to one
// conversation; a batch run always reports per-conversation outcomes and
// keeps going.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/robbiehume/chatgpt-recall/internal/embed"
	"github.com/robbiehume/chatgpt-recall/internal/export"
	"github.com/robbiehume/chatgpt-recall/internal/mirror"
	"github.com/robbiehume/chatgpt-recall/internal/reconcile"
	"github.com/robbiehume/chatgpt-recall/internal/store"
)

const parsedSuffix = "_parsed.json"

// Dirs locates the three working directories of a run.
type Dirs struct {
	Raw     string // raw ChatGPT export JSON files
	Parsed  string // canonical message lists, one per conversation
	Archive string // previous run's parsed files
}

// Pipeline wires the extractor and reconciler to their collaborators.
type Pipeline struct {
	Dirs     Dirs
	Store    store.Store
	Embedder embed.Embedder // optional
	Mirror   mirror.Mirror  // optional
}

// Outcome is the per-conversation result of a sync run.
type Outcome struct {
	Conversation string
	Messages     int
	Puts         int
	Deletes      int
	EmbedSkips   int
	Err          error
}

// Summary aggregates a run's outcomes.
type Summary struct {
	Parsed      int
	ParseFailed int
	Outcomes    []Outcome
	Puts        int
	Deletes     int
	Failed      int
}

// PrepareDirs rotates the previous run's parsed output into the archive
// directory: ensure both exist, clear the archive, then move every parsed
// file over. The parsed directory always starts a run empty so the ingest
// step only sees this run's output.
func (p *Pipeline) PrepareDirs() error {
	if err := os.MkdirAll(p.Dirs.Parsed, 0755); err != nil {
		return fmt.Errorf("failed to create parsed dir: %w", err)
	}
	if err := os.MkdirAll(p.Dirs.Archive, 0755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}

	stale, err := os.ReadDir(p.Dirs.Archive)
	if err != nil {
		return fmt.Errorf("failed to read archive dir: %w", err)
	}
	for _, entry := range stale {
		if err := os.RemoveAll(filepath.Join(p.Dirs.Archive, entry.Name())); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("could not clear archived file")
		}
	}

	previous, err := filepath.Glob(filepath.Join(p.Dirs.Parsed, "*"+parsedSuffix))
	if err != nil {
		return fmt.Errorf("failed to list parsed dir: %w", err)
	}
	moved := 0
	for _, src := range previous {
		dest := filepath.Join(p.Dirs.Archive, filepath.Base(src))
		if err := os.Rename(src, dest); err != nil {
			log.Warn().Err(err).Str("file", src).Msg("could not archive parsed file")
			continue
		}
		moved++
	}
	log.Debug().Int("archived", moved).Msg("directory preparation complete")
	return nil
}

// ParseAll extracts the canonical thread from every .json file in the raw
// directory and writes <base>_parsed.json next to it in the parsed
// directory. A file that fails to parse is counted and skipped; it never
// stops the rest of the run.
func (p *Pipeline) ParseAll() (parsed, failed int, err error) {
	entries, err := os.ReadDir(p.Dirs.Raw)
	if err != nil {
		return 0, 0, fmt.Errorf("raw export dir unreadable: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		base := strings.TrimSuffix(name, ".json")
		inputPath := filepath.Join(p.Dirs.Raw, name)
		outputPath := filepath.Join(p.Dirs.Parsed, base+parsedSuffix)

		if perr := p.parseFile(inputPath, outputPath, base); perr != nil {
			log.Error().Err(perr).Str("file", name).Msg("failed to parse export")
			failed++
			continue
		}
		parsed++
	}

	log.Info().Int("parsed", parsed).Int("failed", failed).Msg("parse step complete")
	return parsed, failed, nil
}

// parseFile extracts one raw export file and writes its canonical message
// list. A multi-export file contributes every canonical message under the
// same conversation, in file order. An empty extraction still writes [] so
// the ingest step clears stale records for the conversation.
func (p *Pipeline) parseFile(inputPath, outputPath, conversationID string) error {
	raw, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", inputPath, err)
	}

	exports, err := export.Normalize(raw)
	if err != nil {
		return err
	}

	msgs := make([]export.CanonicalMessage, 0)
	for _, exp := range exports {
		canonical, err := export.ExtractCanonical(exp, conversationID)
		if err != nil {
			return err
		}
		msgs = append(msgs, canonical...)
	}

	out, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode parsed messages: %w", err)
	}
	if err := os.WriteFile(outputPath, out, 0644); err != nil {
		return fmt.Errorf("write %s: %w", outputPath, err)
	}

	log.Debug().Str("conversation", conversationID).Int("messages", len(msgs)).Msg("parsed export")
	return nil
}

// IngestAll reconciles every parsed file against the store. The conversation
// ID is the parsed file's base name, which ties it back to the raw export it
// came from.
func (p *Pipeline) IngestAll(ctx context.Context) ([]Outcome, error) {
	matches, err := filepath.Glob(filepath.Join(p.Dirs.Parsed, "*"+parsedSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list parsed dir: %w", err)
	}
	sort.Strings(matches)

	opts := reconcile.Options{Embedder: p.Embedder, Mirror: p.Mirror}
	outcomes := make([]Outcome, 0, len(matches))

	for _, path := range matches {
		conversationID := strings.TrimSuffix(filepath.Base(path), parsedSuffix)
		outcome := Outcome{Conversation: conversationID}

		msgs, err := loadParsedMessages(path)
		if err != nil {
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			log.Error().Err(err).Str("conversation", conversationID).Msg("skipping unreadable parsed file")
			continue
		}
		outcome.Messages = len(msgs)

		res, err := reconcile.Reconcile(ctx, conversationID, msgs, p.Store, opts)
		outcome.Puts = res.Puts
		outcome.Deletes = res.Deletes
		outcome.EmbedSkips = res.EmbedSkips
		if err != nil {
			outcome.Err = err
			log.Error().Err(err).Str("conversation", conversationID).Msg("reconciliation failed")
		} else {
			log.Info().
				Str("conversation", conversationID).
				Int("puts", res.Puts).
				Int("deletes", res.Deletes).
				Msg("conversation synced")
		}
		outcomes = append(outcomes, outcome)
	}

	return outcomes, nil
}

func loadParsedMessages(path string) ([]export.CanonicalMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var msgs []export.CanonicalMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return msgs, nil
}

// Run executes the full workflow: prepare directories, parse, ingest.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	if err := p.PrepareDirs(); err != nil {
		return sum, err
	}

	parsed, failed, err := p.ParseAll()
	if err != nil {
		return sum, err
	}
	sum.Parsed = parsed
	sum.ParseFailed = failed

	outcomes, err := p.IngestAll(ctx)
	if err != nil {
		return sum, err
	}
	sum.Outcomes = outcomes
	for _, o := range outcomes {
		sum.Puts += o.Puts
		sum.Deletes += o.Deletes
		if o.Err != nil {
			sum.Failed++
		}
	}

	log.Info().
		Int("conversations", len(outcomes)).
		Int("puts", sum.Puts).
		Int("deletes", sum.Deletes).
		Int("failed", sum.Failed).
		Msg("sync run complete")
	return sum, nil
}
