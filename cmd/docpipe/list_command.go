package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"docpipe/internal/api"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := ctx.ensureStack()
			if err != nil {
				return err
			}
			defer ctx.close()

			summaries, err := svc.List(cmd.Context(), statusFlag)
			if err != nil {
				return err
			}

			if ctx.jsonOutput() {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(summaries)
			}

			rows := make([][]string, 0, len(summaries))
			for _, s := range summaries {
				rows = append(rows, []string{
					strconv.FormatInt(s.ID, 10),
					filepath.Base(s.Source),
					s.Status,
					s.CurrentStage,
					s.SchemaVersion,
					listError(s),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Source", "Status", "Stage", "Schema", "Error"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status (pending, processing, completed, failed)")
	return cmd
}

func listError(s api.DocumentSummary) string {
	if s.ErrorKind == "" {
		return ""
	}
	msg := s.ErrorMessage
	if len(msg) > 60 {
		msg = msg[:57] + "..."
	}
	return s.ErrorKind + ": " + msg
}
