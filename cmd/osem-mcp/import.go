package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sha1n/osem/internal/app"
	"github.com/sha1n/osem/internal/config"
	"github.com/sha1n/osem/internal/osem"
)

const defaultBatchSize = 500

// record is one input value; an offset makes it a snippet.
type record struct {
	Document
	Offset *int `json:"offset,omitempty"`
}

func (r record) object() any {
	if r.Offset != nil {
		return &Snippet{Document: r.Document, Offset: *r.Offset}
	}
	doc := r.Document
	return &doc
}

func newImportCommand() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Index JSON documents",
		Long:  "Reads a stream of JSON documents from file, or stdin when file is '-' or missing, and indexes them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettingsWithFlags(cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load settings: %w", err)
			}
			if err := config.ValidateSettings(settings); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			app.SetupLogging(settings)

			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				in = f
			}

			n, err := importDocuments(cmd.Context(), settings, in, batchSize)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d documents\n", n)
			return nil
		},
	}
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", defaultBatchSize, "Documents committed together")
	return cmd
}

// importDocuments saves every JSON value of in through a batch insert
// session, committing each batchSize documents.
func importDocuments(ctx context.Context, settings *config.Settings, in io.Reader, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, errors.New("batch-size must be positive")
	}
	reg, err := models(settings)
	if err != nil {
		return 0, err
	}
	f, err := osem.Open(ctx, settings, reg)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("Failed to close session factory", "error", err)
		}
	}()

	s, err := f.OpenSession(osem.WithIsolation("batch_insert"))
	if err != nil {
		return 0, err
	}
	defer func() { _ = s.Close() }()
	if err := s.Begin(ctx); err != nil {
		return 0, err
	}

	dec := json.NewDecoder(in)
	n := 0
	for {
		var r record
		if err := dec.Decode(&r); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			_ = s.Rollback(ctx)
			return n, fmt.Errorf("document %d: %w", n+1, err)
		}
		if r.ID == "" {
			_ = s.Rollback(ctx)
			return n, fmt.Errorf("document %d has no id", n+1)
		}
		if err := s.Save(ctx, r.object()); err != nil {
			_ = s.Rollback(ctx)
			return n, err
		}
		n++
		if n%batchSize == 0 {
			if err := s.FlushCommit(ctx); err != nil {
				_ = s.Rollback(ctx)
				return n, err
			}
			// forget committed documents
			s.EvictAll()
			slog.Info("Imported documents", "count", n)
		}
	}
	if err := s.Commit(ctx); err != nil {
		return n, err
	}
	slog.Info("Import completed", "count", n)
	return n, nil
}
