package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"docpipe/internal/fingerprint"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var schemaFlag string
	var processFlag bool

	cmd := &cobra.Command{
		Use:   "submit FILE...",
		Short: "Register documents for processing",
		Long: "Fingerprints each file and registers it under the configured schema " +
			"version. Resubmitting an unchanged file returns the existing document " +
			"instead of creating duplicate work.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, err := ctx.ensureStack()
			if err != nil {
				return err
			}
			defer ctx.close()

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			schema := schemaFlag
			if schema == "" {
				schema = cfg.Pipeline.DefaultSchemaVersion
			}

			rows := make([][]string, 0, len(args))
			var ids []int64
			for _, arg := range args {
				path, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				info, err := os.Stat(path)
				if err != nil {
					return fmt.Errorf("stat %s: %w", arg, err)
				}
				hash, err := fingerprint.File(path)
				if err != nil {
					return err
				}
				mimeType := mime.TypeByExtension(filepath.Ext(path))
				if mimeType == "" {
					mimeType = "application/octet-stream"
				}

				doc, err := eng.Submit(cmd.Context(), path, hash, schema, info.Size(), mimeType)
				if err != nil {
					return fmt.Errorf("submit %s: %w", arg, err)
				}
				ids = append(ids, doc.ID)
				rows = append(rows, []string{
					strconv.FormatInt(doc.ID, 10),
					filepath.Base(path),
					string(doc.Status),
					shortHash(doc.ContentHash),
				})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "File", "Status", "Hash"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
			))

			if processFlag {
				for _, id := range ids {
					if err := eng.Process(cmd.Context(), id); err != nil {
						return fmt.Errorf("process document %d: %w", id, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d document(s)\n", len(ids))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&schemaFlag, "schema", "", "Schema version to process under (default from config)")
	cmd.Flags().BoolVar(&processFlag, "process", false, "Process synchronously instead of waiting for the daemon")
	return cmd
}

func shortHash(hash string) string {
	const keep = 19 // "sha256:" plus 12 hex digits
	if len(hash) <= keep {
		return hash
	}
	return hash[:keep]
}
