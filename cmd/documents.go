package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newIngestCommand(flags *globalFlags) *cobra.Command {
	var dir, owner string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest every supported file below a directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(owner) == "" {
				return errors.New("--owner is required")
			}
			return withRuntime(cmd, flags, func(ctx context.Context, rt *runtime) error {
				if dir == "" {
					dir = rt.cfg.DataDir
				}
				rt.logger.Info("ingesting directory",
					zap.String("dir", dir),
					zap.String("owner", owner),
					zap.String("embeddings", rt.cfg.Embeddings.Provider+"/"+rt.cfg.Embeddings.Model),
				)
				summary, err := rt.documents.IngestDirectory(ctx, dir, owner)
				if err != nil {
					return fmt.Errorf("ingestion failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ingested %d, skipped %d, failed %d\n",
					summary.Ingested, summary.Skipped, summary.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to ingest (defaults to DATA_DIR)")
	cmd.Flags().StringVar(&owner, "owner", "", "email recorded as owner of every ingested document")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newSearchCommand(flags *globalFlags) *cobra.Command {
	var user string
	var topK int

	cmd := &cobra.Command{
		Use:   "search <question>",
		Short: "Print the passages a user is allowed to see for a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			return withRuntime(cmd, flags, func(ctx context.Context, rt *runtime) error {
				passages, err := rt.index.RetrieveAuthorized(ctx, question, user, topK)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(passages) == 0 {
					fmt.Fprintln(out, "no authorized passages")
					return nil
				}
				for i, p := range passages {
					fmt.Fprintf(out, "[%d] %s\n\n", i+1, p)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "as", "", "email of the user to retrieve for")
	cmd.Flags().IntVar(&topK, "top-k", 0, "nearest chunks to consider (defaults to RAG_TOP_K)")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func newClearCommand(flags *globalFlags) *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every ingested document, its chunks and its permissions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
					"This will permanently delete ingested documents, chunks and document permissions. Continue? [y/N]: ")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "clear aborted")
					return nil
				}
			}
			return withRuntime(cmd, flags, func(ctx context.Context, rt *runtime) error {
				idx, err := rt.index.Get(ctx)
				if err != nil {
					return err
				}
				if err := idx.Store().Reset(ctx); err != nil {
					return fmt.Errorf("reset vector store: %w", err)
				}
				if _, err := rt.pool.Exec(ctx, "TRUNCATE rag_documents"); err != nil {
					return fmt.Errorf("truncate document registry: %w", err)
				}
				if err := rt.authz.Purge(ctx); err != nil {
					return fmt.Errorf("purge document permissions: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ingested data removed")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "skip the confirmation prompt")
	return cmd
}

// confirm asks prompt on out and reports whether the reply is y or yes.
// End of input counts as no.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return false, fmt.Errorf("read confirmation: %w", err)
		}
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes", nil
}
