package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show per-stage progress for one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid document id %q", args[0])
			}

			svc, _, err := ctx.ensureStack()
			if err != nil {
				return err
			}
			defer ctx.close()

			detail, err := svc.Detail(cmd.Context(), id)
			if err != nil {
				return err
			}

			if ctx.jsonOutput() {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(detail)
			}

			out := cmd.OutOrStdout()
			doc := detail.Document
			fmt.Fprintf(out, "Document %d  %s\n", doc.ID, doc.Source)
			fmt.Fprintf(out, "Status: %s", doc.Status)
			if doc.CurrentStage != "" {
				fmt.Fprintf(out, "  (stage: %s)", doc.CurrentStage)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Hash: %s  Schema: %s\n", doc.ContentHash, doc.SchemaVersion)
			if doc.ErrorKind != "" {
				fmt.Fprintf(out, "Error: %s: %s\n", doc.ErrorKind, doc.ErrorMessage)
			}
			fmt.Fprintln(out)

			stageRows := make([][]string, 0, len(detail.Stages))
			for _, sv := range detail.Stages {
				status := sv.Status
				if status == "" {
					status = "-"
				}
				errText := ""
				if sv.ErrorKind != "" {
					errText = sv.ErrorKind
				}
				stageRows = append(stageRows, []string{
					sv.Name,
					status,
					strconv.Itoa(sv.Attempts),
					fanOutMark(sv.FanOut),
					errText,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Stage", "Status", "Attempts", "Fan-out", "Error"},
				stageRows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))

			for stage, chunks := range detail.Chunks {
				fmt.Fprintf(out, "\nChunks for %s:\n", stage)
				chunkRows := make([][]string, 0, len(chunks))
				for _, c := range chunks {
					errText := ""
					if c.ErrorKind != "" {
						errText = c.ErrorKind + ": " + c.ErrorMessage
					}
					chunkRows = append(chunkRows, []string{
						strconv.FormatInt(c.ChunkID, 10),
						c.Status,
						strconv.Itoa(c.Attempt),
						errText,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Chunk", "Status", "Attempt", "Error"},
					chunkRows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft},
				))
			}
			return nil
		},
	}
	return cmd
}

func fanOutMark(fanOut bool) string {
	if fanOut {
		return "yes"
	}
	return ""
}
