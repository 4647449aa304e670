package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/astromechza/docsync/pkg/delta"
	"github.com/astromechza/docsync/pkg/store"
	"github.com/astromechza/docsync/pkg/viz"
)

func newInspectCommand(opts *rootOptions) *cobra.Command {
	var (
		dsn     string
		svgPath string
	)
	cmd := &cobra.Command{
		Use:   "inspect <document-id>",
		Short: "Show a stored document and its save history",
		Long: `Read a document from a sqlite store and print its latest snapshot followed by one line
per save. With --svg the save history is also rendered as a graph.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("store-dsn") {
				dsn = opts.config.Store.DSN
			}
			return runInspect(cmd, args[0], dsn, svgPath)
		},
	}
	cmd.Flags().StringVar(&dsn, "store-dsn", "", "path to the sqlite store")
	cmd.Flags().StringVar(&svgPath, "svg", "", "render the save history to this svg file")
	return cmd
}

func runInspect(cmd *cobra.Command, id, dsn, svgPath string) error {
	ctx := cmd.Context()
	s, err := store.OpenSQLite(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	doc, err := s.History(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", id, err)
	}
	raw, err := store.HistorySnapshot(doc)
	if err != nil {
		return err
	}
	snapshot, err := delta.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}

	text := snapshot.Text()
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	out := cmd.OutOrStdout()
	if _, err := fmt.Fprintf(out, "document %s: %d ops, length %d\n%s", id, len(snapshot.Ops), snapshot.Length(), text); err != nil {
		return err
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		if _, err := fmt.Fprintf(out, "%4d %s %s@%d\n", i, change.Hash().String()[:8], change.ActorID(), change.ActorSeq()); err != nil {
			return err
		}
	}

	if svgPath != "" {
		if err := viz.RenderHistoryToFile(doc, svgPath); err != nil {
			return err
		}
		slog.Info("rendered save history", "document", id, "path", svgPath)
	}
	return nil
}
