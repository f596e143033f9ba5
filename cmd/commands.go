package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tax-rag/internal/chromemdb"
	"tax-rag/internal/config"
	"tax-rag/internal/export"
	"tax-rag/internal/extractor"
	"tax-rag/internal/helper"
	"tax-rag/internal/indexer"
	"tax-rag/internal/llmservice"
	"tax-rag/internal/metrics"
	"tax-rag/internal/parser"
	"tax-rag/internal/rag"
	"tax-rag/internal/server"
	"tax-rag/internal/vectorstore"
)

// errorNotice is shown to the user instead of internal error details.
const errorNotice = "حدث خطأ أثناء معالجة السؤال، يرجى المحاولة لاحقاً."

func ingestCMD(a *app) *cobra.Command {
	var dir string
	var reset bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Extract text from scanned PDFs and index it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.requireGoogleKey(); err != nil {
				return err
			}
			if dir == "" {
				dir = a.cfg.Ingest.PDFDir
			}

			embedder, closeCache, err := a.newEmbedder(ctx)
			if err != nil {
				return err
			}
			defer closeCache()

			vision, err := llmservice.NewVisionModel(ctx, &a.cfg.Extractor, a.cfg.GoogleKey)
			if err != nil {
				return err
			}
			ext := extractor.New(vision, extractor.Options{
				MaxRetries:        a.cfg.Extractor.MaxRetries,
				Delay:             a.cfg.Extractor.Delay,
				RequestsPerMinute: a.cfg.Extractor.RequestsPerMinute,
			})
			ingestor := parser.NewIngestor(
				parser.NewPopplerRenderer(a.cfg.Ingest.DPI),
				ext,
				parser.WithMarkdownStripping(a.cfg.Ingest.StripMarkdown),
			)

			log.Info().Str("dir", dir).Msg("Ingesting PDFs")
			records, err := ingestor.Ingest(ctx, dir)
			if err != nil {
				return fmt.Errorf("failed to ingest %s: %w", dir, err)
			}
			log.Info().Int("pages", len(records)).Msg("Extracted pages")

			opts := indexer.Options{
				ChunkSize:    a.cfg.Index.ChunkSize,
				ChunkOverlap: a.cfg.Index.ChunkOverlap,
				Location:     a.cfg.StoreLocation(),
			}
			// the old index is dropped only once the new chunks are embedded
			if reset {
				opts.Prepare = a.resetStore
			}

			ix := indexer.NewFromConfig(embedder, &a.cfg.Store)
			store, n, err := ix.BuildIndex(ctx, records, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			total, err := store.Count(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Could not count stored chunks")
			}
			log.Info().Int("chunks", n).Int("total", total).Str("driver", a.cfg.Store.Driver).Msg("Index built")
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "folder with PDF files (default from config)")
	cmd.Flags().BoolVar(&reset, "reset", false, "replace existing chunks once the new ones are embedded")
	return cmd
}

// resetStore drops every stored chunk. Chromem is reset by removing its folder.
func (a *app) resetStore(ctx context.Context) error {
	if a.cfg.Store.Driver == config.DriverChromem {
		log.Info().Str("path", a.cfg.Store.Path).Msg("Clearing vector store folder")
		return helper.ClearFolder(a.cfg.Store.Path)
	}

	store, err := a.openStore(ctx, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	r, ok := store.(vectorstore.Resetter)
	if !ok {
		return fmt.Errorf("driver %q cannot be reset", a.cfg.Store.Driver)
	}
	log.Info().Str("driver", a.cfg.Store.Driver).Msg("Dropping stored chunks")
	return r.Reset(ctx)
}

// newChain wires the answer chain against an opened store.
func (a *app) newChain(ctx context.Context) (*rag.Chain, vectorstore.Store, func(), error) {
	if err := a.requireGoogleKey(); err != nil {
		return nil, nil, nil, err
	}
	embedder, closeCache, err := a.newEmbedder(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := a.openStore(ctx, embedder)
	if err != nil {
		closeCache()
		return nil, nil, nil, err
	}
	model, err := llmservice.NewChatModel(ctx, &a.cfg.Chat, a.cfg.GoogleKey)
	if err != nil {
		store.Close()
		closeCache()
		return nil, nil, nil, err
	}

	chain := rag.NewChain(store, embedder, model, rag.Options{
		TopK:          a.cfg.RAG.TopK,
		MinSimilarity: a.cfg.RAG.MinSimilarity,
		Temperature:   a.cfg.Chat.Temperature,
		MaxTokens:     a.cfg.Chat.MaxTokens,
	})
	cleanup := func() {
		_ = store.Close()
		closeCache()
	}
	return chain, store, cleanup, nil
}

type askOutput struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Status   string `json:"status"`
}

func askCMD(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question in Arabic from the indexed documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				log.Warn().Msg("Please enter a question")
				return nil
			}

			chain, _, cleanup, err := a.newChain(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			answer, err := chain.Answer(ctx, question)
			if err != nil {
				log.Error().Err(err).Msg("Failed to answer question")
				fmt.Fprintln(cmd.OutOrStdout(), errorNotice)
				return err
			}

			status := server.StatusAnswered
			if rag.IsUnknown(answer) {
				status = server.StatusUnknown
				log.Info().Msg("No answer found in the indexed documents")
			}
			if asJSON {
				helper.PrettyPrint(cmd.OutOrStdout(), askOutput{Question: question, Answer: answer, Status: status})
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(answer))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the answer as JSON")
	return cmd
}

func serveCMD(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP question answering API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics.Register(reg)

			chain, store, cleanup, err := a.newChain(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			return server.Run(ctx, &a.cfg.HTTP, server.New(chain, store, reg).Routes())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func exportCMD(a *app) *cobra.Command {
	var out, archive string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump indexed chunks to a spreadsheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			embedder, closeCache, err := a.newEmbedder(ctx)
			if err != nil {
				return err
			}
			defer closeCache()

			store, err := a.openStore(ctx, embedder)
			if err != nil {
				return err
			}
			defer store.Close()

			lister, ok := store.(vectorstore.Lister)
			if !ok {
				return fmt.Errorf("driver %q cannot list chunks", a.cfg.Store.Driver)
			}
			n, err := export.SaveXLSX(ctx, lister, out)
			if err != nil {
				return err
			}
			log.Info().Int("chunks", n).Str("file", out).Msg("Exported chunks")

			if archive == "" {
				return nil
			}
			cs, ok := store.(*chromemdb.Store)
			if !ok {
				return errors.New("archives are only supported by the chromem driver")
			}
			if err := cs.Export(archive); err != nil {
				return err
			}
			log.Info().Str("file", archive).Msg("Exported encrypted archive")
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "chunks.xlsx", "spreadsheet path")
	cmd.Flags().StringVar(&archive, "archive", "", "also write an encrypted chromem archive to this path")
	return cmd
}

func importCMD(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <archive>",
		Short: "Restore a chromem archive written by export --archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if a.cfg.Store.Driver != config.DriverChromem {
				return errors.New("archives are only supported by the chromem driver")
			}
			embedder, closeCache, err := a.newEmbedder(ctx)
			if err != nil {
				return err
			}
			defer closeCache()

			store, err := a.openStore(ctx, embedder)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.(*chromemdb.Store).Import(args[0]); err != nil {
				return err
			}
			n, _ := store.Count(ctx)
			log.Info().Int("chunks", n).Str("file", args[0]).Msg("Imported archive")
			return nil
		},
	}
	return cmd
}
