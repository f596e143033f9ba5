package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/embeddings"

	"tax-rag/internal/config"
	"tax-rag/internal/embedding"
	"tax-rag/internal/vectorstore"
)

const configFilePath = "./configs/config.yaml"

// app carries the flags and config shared by every subcommand.
type app struct {
	cfgPath string
	debug   bool
	cfg     *config.Config
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "taxrag",
		Short:         "Arabic question answering over Egyptian tax law PDFs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", configFilePath, "config file")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(ingestCMD(a), askCMD(a), serveCMD(a), exportCMD(a), importCMD(a))

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func (a *app) load() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.LoadConfig(a.cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg

	setupLogging(cfg.Log.Level, a.debug)
	log.Debug().Interface("config", redacted(cfg)).Msg("Loaded config")
	return nil
}

func setupLogging(level string, debug bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()
}

// redacted hides secrets before the config is logged.
func redacted(cfg *config.Config) config.Config {
	c := *cfg
	if c.GoogleKey != "" {
		c.GoogleKey = "***"
	}
	if c.Embed.Key != "" {
		c.Embed.Key = "***"
	}
	if c.Cache.Password != "" {
		c.Cache.Password = "***"
	}
	if c.Store.EncryptionKey != "" {
		c.Store.EncryptionKey = "***"
	}
	if c.Store.DSN != "" {
		c.Store.DSN = "***"
	}
	return c
}

func (a *app) requireGoogleKey() error {
	if a.cfg.GoogleKey == "" {
		return errors.New("GOOGLE_API_KEY is not set")
	}
	return nil
}

// newEmbedder builds the configured embedder, wrapped with the redis cache
// when one is configured. The returned func releases the cache connection.
func (a *app) newEmbedder(ctx context.Context) (embeddings.Embedder, func(), error) {
	e, err := embedding.NewEmbedder(&a.cfg.Embed, a.cfg.Index.BatchSize)
	if err != nil {
		return nil, nil, err
	}
	if a.cfg.Cache.RedisAddr == "" {
		return e, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Cache.RedisAddr,
		Password: a.cfg.Cache.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", a.cfg.Cache.RedisAddr).Msg("Redis unavailable, embedding cache disabled")
		_ = client.Close()
		return e, func() {}, nil
	}
	log.Debug().Str("addr", a.cfg.Cache.RedisAddr).Msg("Embedding cache enabled")

	cached := embedding.NewCachedEmbedder(e, embedding.NewRedisStore(client, a.cfg.Cache.TTL), a.cfg.Embed.Model)
	return cached, func() { _ = client.Close() }, nil
}

func (a *app) openStore(ctx context.Context, embedder embeddings.Embedder) (vectorstore.Store, error) {
	store, err := vectorstore.Open(ctx, &a.cfg.Store, a.cfg.StoreLocation(), embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	return store, nil
}
