package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show aggregate pipeline health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := ctx.ensureStack()
			if err != nil {
				return err
			}
			defer ctx.close()

			health, err := svc.Health(cmd.Context())
			if err != nil {
				return err
			}

			if ctx.jsonOutput() {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(health)
			}

			rows := [][]string{
				{"pending", strconv.Itoa(health.Pending)},
				{"processing", strconv.Itoa(health.Processing)},
				{"completed", strconv.Itoa(health.Completed)},
				{"failed", strconv.Itoa(health.Failed)},
				{"total", strconv.Itoa(health.Total)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Status", "Documents"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}
	return cmd
}
