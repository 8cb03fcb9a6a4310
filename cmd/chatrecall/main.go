// chatrecall ingests exported ChatGPT conversation archives: it extracts the
// canonical thread from each conversation tree and reconciles it against
// Postgres, optionally embedding message content and mirroring to Weaviate.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/robbiehume/chatgpt-recall/internal/config"
	"github.com/robbiehume/chatgpt-recall/internal/embed"
	"github.com/robbiehume/chatgpt-recall/internal/logging"
	"github.com/robbiehume/chatgpt-recall/internal/mirror"
	"github.com/robbiehume/chatgpt-recall/internal/pipeline"
	"github.com/robbiehume/chatgpt-recall/internal/store"
)

func main() {
	// Populate the environment before flags and config resolve against it.
	godotenv.Load()

	app := &cli.App{
		Name:  "chatrecall",
		Usage: "sync ChatGPT conversation exports into a queryable store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to TOML config file",
				EnvVars: []string{"CHATRECALL_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "raw-dir",
				Usage:   "directory containing raw ChatGPT export JSON files",
				EnvVars: []string{"CHATRECALL_DIRS_RAW"},
			},
			&cli.StringFlag{
				Name:    "parsed-dir",
				Usage:   "directory for parsed canonical message lists",
				EnvVars: []string{"CHATRECALL_DIRS_PARSED"},
			},
			&cli.StringFlag{
				Name:    "archive-dir",
				Usage:   "directory for the previous run's parsed files",
				EnvVars: []string{"CHATRECALL_DIRS_ARCHIVE"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres connection URL",
				EnvVars: []string{"CHATRECALL_DATABASE_URL"},
			},
			&cli.IntFlag{
				Name:    "batch-limit",
				Usage:   "maximum records per store batch write",
				EnvVars: []string{"CHATRECALL_DATABASE_BATCH_LIMIT"},
			},
			&cli.BoolFlag{
				Name:    "embed",
				Usage:   "generate content embeddings for upserted messages",
				EnvVars: []string{"CHATRECALL_EMBEDDING_ENABLED"},
			},
			&cli.StringFlag{
				Name:    "openai-api-key",
				Usage:   "API key for the embedding service",
				EnvVars: []string{"CHATRECALL_EMBEDDING_API_KEY", "OPENAI_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "weaviate-url",
				Usage:   "Weaviate base URL for the vector-store mirror",
				EnvVars: []string{"CHATRECALL_WEAVIATE_URL"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level: trace, debug, info, warn, error",
				EnvVars: []string{"CHATRECALL_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug output",
				EnvVars: []string{"CHATRECALL_VERBOSE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "sync",
				Usage:  "parse raw exports and reconcile every conversation against the store",
				Action: runSync,
			},
			{
				Name:   "parse",
				Usage:  "parse raw exports into canonical message lists without touching the store",
				Action: runParse,
			},
			{
				Name:   "ingest",
				Usage:  "reconcile previously parsed message lists against the store",
				Action: runIngest,
			},
			{
				Name:   "setup",
				Usage:  "create the Postgres schema",
				Action: runSetup,
			},
			{
				Name:  "init",
				Usage: "write a sample configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "path",
						Value: "chatrecall.toml",
						Usage: "where to write the sample config",
					},
				},
				Action: runInit,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("chatrecall failed")
		os.Exit(1)
	}
}

// loadConfig resolves configuration, overlays flag values, and sets up
// logging for a command.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	applyFlags(c, cfg)
	logging.Setup(cfg.Log.Level, c.Bool("verbose"))
	return cfg, nil
}

// applyFlags lays explicitly set command-line flags over the loaded config;
// flags win over file and environment values.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("raw-dir") {
		cfg.Dirs.Raw = c.String("raw-dir")
	}
	if c.IsSet("parsed-dir") {
		cfg.Dirs.Parsed = c.String("parsed-dir")
	}
	if c.IsSet("archive-dir") {
		cfg.Dirs.Archive = c.String("archive-dir")
	}
	if c.IsSet("database-url") {
		cfg.Database.URL = c.String("database-url")
	}
	if c.IsSet("batch-limit") {
		cfg.Database.BatchLimit = c.Int("batch-limit")
	}
	if c.IsSet("embed") {
		cfg.Embedding.Enabled = c.Bool("embed")
	}
	if c.IsSet("openai-api-key") {
		cfg.Embedding.APIKey = c.String("openai-api-key")
	}
	if c.IsSet("weaviate-url") {
		cfg.Weaviate.URL = c.String("weaviate-url")
		cfg.Weaviate.Enabled = true
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
}

// buildPipeline wires the store and the optional collaborators from config.
// The returned cleanup closes the store pool.
func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline.Pipeline, func(), error) {
	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}

	pg, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	pg.SetBatchLimit(cfg.Database.BatchLimit)

	p := &pipeline.Pipeline{
		Dirs: pipeline.Dirs{
			Raw:     cfg.Dirs.Raw,
			Parsed:  cfg.Dirs.Parsed,
			Archive: cfg.Dirs.Archive,
		},
		Store: pg,
	}

	if cfg.Embedding.Enabled {
		embedder, err := embed.NewOpenAI(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.RequestsPerSecond)
		if err != nil {
			pg.Close()
			return nil, nil, err
		}
		p.Embedder = embedder
	}
	if cfg.Weaviate.Enabled {
		p.Mirror = mirror.NewWeaviate(cfg.Weaviate.URL)
	}

	return p, pg.Close, nil
}

func runSync(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx := c.Context
	p, cleanup, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	sum, err := p.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Synced %d conversations: %d puts, %d deletes, %d failed (%d exports unparseable)\n",
		len(sum.Outcomes), sum.Puts, sum.Deletes, sum.Failed, sum.ParseFailed)
	if sum.Failed > 0 || sum.ParseFailed > 0 {
		return cli.Exit("some conversations failed to sync", 1)
	}
	return nil
}

func runParse(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	p := &pipeline.Pipeline{
		Dirs: pipeline.Dirs{
			Raw:     cfg.Dirs.Raw,
			Parsed:  cfg.Dirs.Parsed,
			Archive: cfg.Dirs.Archive,
		},
	}
	if err := p.PrepareDirs(); err != nil {
		return err
	}
	parsed, failed, err := p.ParseAll()
	if err != nil {
		return err
	}

	fmt.Printf("Parsed %d exports, %d failed\n", parsed, failed)
	if failed > 0 {
		return cli.Exit("some exports failed to parse", 1)
	}
	return nil
}

func runIngest(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx := c.Context
	p, cleanup, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	outcomes, err := p.IngestAll(ctx)
	if err != nil {
		return err
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			fmt.Printf("  %s: FAILED: %v\n", o.Conversation, o.Err)
			continue
		}
		fmt.Printf("  %s: %d puts, %d deletes\n", o.Conversation, o.Puts, o.Deletes)
	}
	fmt.Printf("Ingested %d conversations, %d failed\n", len(outcomes), failed)
	if failed > 0 {
		return cli.Exit("some conversations failed to ingest", 1)
	}
	return nil
}

func runSetup(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}

	ctx := c.Context
	pg, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.EnsureSchema(ctx); err != nil {
		return err
	}
	fmt.Println("Schema ready")
	return nil
}

func runInit(c *cli.Context) error {
	path := c.String("path")
	if err := config.InitConfig(path); err != nil {
		return err
	}
	fmt.Printf("Wrote sample configuration to %s\n", path)
	return nil
}
