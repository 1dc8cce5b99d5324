package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"errors"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Coder-Upsilon/little-kb/internal/embed"
	kberrors "github.com/Coder-Upsilon/little-kb/internal/errors"
	"github.com/Coder-Upsilon/little-kb/internal/ingest"
	"github.com/Coder-Upsilon/little-kb/internal/output"
	"github.com/Coder-Upsilon/little-kb/internal/progress"
	"github.com/Coder-Upsilon/little-kb/internal/store"
	"github.com/Coder-Upsilon/little-kb/internal/supervisor"
)

// newKBCmd groups the knowledge-base subcommands: create, list, delete,
// reindex, add, and search.
func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage knowledge bases",
	}

	cmd.AddCommand(newKBCreateCmd())
	cmd.AddCommand(newKBListCmd())
	cmd.AddCommand(newKBDeleteCmd())
	cmd.AddCommand(newKBReindexCmd())
	cmd.AddCommand(newKBAddCmd())
	cmd.AddCommand(newKBSearchCmd())

	return cmd
}

func newKBCreateCmd() *cobra.Command {
	var (
		description  string
		provider     string
		model        string
		noToolServer bool
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a knowledge base and its default tool server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			embedder, err := a.withEmbedder(cmd.Context(), embedProviderFromFlag(provider), model)
			if err != nil {
				return err
			}
			defer embedder.Close()

			kbCfg := store.DefaultKBConfig()
			kbCfg.EmbeddingModel = embedder.ModelName()

			kb := &store.KnowledgeBase{
				ID:          uuid.NewString(),
				Name:        args[0],
				Description: description,
				CreatedAt:   time.Now(),
				Config:      kbCfg,
			}

			if err := a.meta.CreateKB(cmd.Context(), kb); err != nil {
				return fmt.Errorf("create kb: %w", err)
			}

			if err := a.bootstrapKBIndices(kb.ID, embedder.Dimensions()); err != nil {
				return fmt.Errorf("bootstrap indices: %w", err)
			}

			out := output.New(cmd.OutOrStdout())
			out.Successf("created knowledge base %s (%s)", kb.Name, kb.ID)

			if noToolServer {
				return nil
			}

			sup := supervisor.New(a.meta, newSupervisorSpawner(a.dataDir), a.cfg.PortRange())
			rec := &store.ToolServerRecord{
				ID:      uuid.NewString(),
				Name:    kb.Name,
				Enabled: true,
				KBIDs:   []string{kb.ID},
			}
			if err := sup.Create(cmd.Context(), rec, 0); err != nil {
				return fmt.Errorf("create default tool server: %w", err)
			}
			out.Successf("started tool server %s on port %d", rec.ID, rec.Port)
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "Knowledge base description")
	cmd.Flags().StringVar(&provider, "embedder", "", "Embedding provider (ollama|static)")
	cmd.Flags().StringVar(&model, "model", "", "Embedding model")
	cmd.Flags().BoolVar(&noToolServer, "no-tool-server", false, "Skip creating a default tool server")

	return cmd
}

func newKBListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List knowledge bases",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			kbs, err := a.meta.ListKBs(cmd.Context())
			if err != nil {
				return fmt.Errorf("list kbs: %w", err)
			}

			for _, kb := range kbs {
				count, _ := a.meta.CountChunks(cmd.Context(), kb.ID)
				status := "ready"
				if kb.Degraded {
					status = "degraded"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tgen=%d\tchunks=%d\t%s\n", kb.ID, kb.Name, kb.Generation, count, status)
			}
			return nil
		},
	}
}

func newKBDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kb-id>",
		Short: "Delete a knowledge base and its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.meta.DeleteKB(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete kb: %w", err)
			}
			output.New(cmd.OutOrStdout()).Successf("deleted knowledge base %s", args[0])
			return nil
		},
	}
}

func newKBReindexCmd() *cobra.Command {
	var (
		provider string
		model    string
	)

	cmd := &cobra.Command{
		Use:   "reindex <kb-id>",
		Short: "Rebuild a knowledge base's vector and lexical indices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			kb, err := a.meta.GetKB(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get kb: %w", err)
			}

			embedder, err := a.withEmbedder(cmd.Context(), embedProviderFromFlag(provider), model)
			if err != nil {
				return err
			}
			defer embedder.Close()

			prog := &progress.Reindex{}
			result, err := a.reindexer.Reindex(cmd.Context(), kb, embedder, prog)
			if err != nil {
				var conflict store.ErrConflict
				if errors.As(err, &conflict) {
					return kberrors.Conflict(conflict.Error(), err).
						WithSuggestion("wait for the in-flight reindex to finish, then retry")
				}
				return fmt.Errorf("reindex: %w", err)
			}
			defer result.Vector.Close()
			defer result.Lexical.Close()

			output.New(cmd.OutOrStdout()).Successf("reindexed %s, generation now %d", kb.ID, result.Generation)
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "embedder", "", "Embedding provider (ollama|static)")
	cmd.Flags().StringVar(&model, "model", "", "Embedding model")

	return cmd
}

func embedProviderFromFlag(s string) embed.ProviderType {
	return embed.ParseProvider(s)
}

func newKBAddCmd() *cobra.Command {
	var (
		provider string
		model    string
	)

	cmd := &cobra.Command{
		Use:   "add <kb-id> <file>",
		Short: "Ingest a document into a knowledge base",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			kb, err := a.meta.GetKB(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get kb: %w", err)
			}

			embedder, err := a.withEmbedder(cmd.Context(), embedProviderFromFlag(provider), model)
			if err != nil {
				return err
			}
			defer embedder.Close()

			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}

			vector, lexical, err := a.openKBIndices(kb, embedder.Dimensions())
			if err != nil {
				return err
			}
			defer vector.Close()
			defer lexical.Close()

			idx := ingest.KBIndices{Vector: vector, Lexical: lexical}
			docID, err := a.pipeline.IngestDocument(cmd.Context(), kb, idx, filepath.Base(args[1]), data, nil)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			if err := vector.Save(filepath.Join(a.kbDataDir(kb.ID), "vectors.hnsw")); err != nil {
				return fmt.Errorf("save vector index: %w", err)
			}

			output.New(cmd.OutOrStdout()).Successf("ingested document %s into %s", docID, kb.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "embedder", "", "Embedding provider (ollama|static)")
	cmd.Flags().StringVar(&model, "model", "", "Embedding model")

	return cmd
}

func newKBSearchCmd() *cobra.Command {
	var (
		limit    int
		provider string
		model    string
	)

	cmd := &cobra.Command{
		Use:   "search <kb-id> <query>",
		Short: "Run a hybrid search against a knowledge base",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			kb, err := a.meta.GetKB(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get kb: %w", err)
			}

			embedder, err := a.withEmbedder(cmd.Context(), embedProviderFromFlag(provider), model)
			if err != nil {
				return err
			}
			defer embedder.Close()

			vector, lexical, err := a.openKBIndices(kb, embedder.Dimensions())
			if err != nil {
				return err
			}
			defer vector.Close()
			defer lexical.Close()

			results, err := a.retriever.Search(cmd.Context(), kb, vector, lexical, args[1], limit)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%.4f\t%s\t%s\n", r.Score, r.Filename, truncate(r.Text, 80))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 5, "Number of results")
	cmd.Flags().StringVar(&provider, "embedder", "", "Embedding provider (ollama|static)")
	cmd.Flags().StringVar(&model, "model", "", "Embedding model")

	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
