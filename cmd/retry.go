package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Resubmit events that failed delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStack(ctx, 0)
		if err != nil {
			return err
		}
		defer st.Close(ctx)

		rs := st.Runtime.Retry()
		before, err := rs.Pending(ctx)
		if err != nil {
			return err
		}
		if before == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to retry.")
			return nil
		}

		rs.DrainAndRetry(ctx)

		after, err := rs.Pending(ctx)
		if err != nil {
			return err
		}
		if after > 0 {
			return fmt.Errorf("%d events still waiting, backend rejected the batch", after)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d events.\n", before)
		return nil
	},
}
