package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newRetryCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry [ID...]",
		Short: "Reset failed documents so they run again",
		Long: "Flips failed documents back to pending. Completed stages and chunks " +
			"keep their ledger rows, so the next run redoes only the failed work.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid document id %q", arg)
				}
				ids = append(ids, id)
			}

			svc, _, err := ctx.ensureStack()
			if err != nil {
				return err
			}
			defer ctx.close()

			reset, err := svc.Retry(cmd.Context(), ids...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d document(s) to pending\n", reset)
			return nil
		},
	}
	return cmd
}
