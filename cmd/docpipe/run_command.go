package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"docpipe/internal/engine"
	"docpipe/internal/ledger"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [ID...]",
		Short: "Process documents synchronously without the daemon",
		Long: "Runs the pipeline in this process. With no arguments every pending " +
			"document is processed in submission order. Safe to run while the " +
			"daemon is up: a stage owned by another process is skipped, not " +
			"duplicated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, eng, err := ctx.ensureStack()
			if err != nil {
				return err
			}
			defer ctx.close()

			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid document id %q", arg)
				}
				ids = append(ids, id)
			}
			if len(ids) == 0 {
				docs, err := ctx.store.ListDocuments(cmd.Context(), ledger.DocumentPending)
				if err != nil {
					return err
				}
				for _, doc := range docs {
					ids = append(ids, doc.ID)
				}
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to process")
				return nil
			}

			var failures int
			for _, id := range ids {
				err := eng.Process(cmd.Context(), id)
				switch {
				case err == nil:
					fmt.Fprintf(cmd.OutOrStdout(), "document %d: completed\n", id)
				case errors.Is(err, engine.ErrStageInProgress):
					fmt.Fprintf(cmd.OutOrStdout(), "document %d: in progress elsewhere, skipped\n", id)
				default:
					failures++
					fmt.Fprintf(cmd.OutOrStdout(), "document %d: failed: %v\n", id, err)
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d document(s) failed", failures)
			}
			return nil
		},
	}
	return cmd
}
