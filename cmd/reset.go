package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard events waiting in the retry store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		yes, _ := cmd.Flags().GetBool("yes")

		st, err := openStack(ctx, 0)
		if err != nil {
			return err
		}
		defer st.Close(ctx)

		rs := st.Runtime.Retry()
		n, err := rs.Pending(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Retry store is empty.")
			return nil
		}
		if !yes {
			return fmt.Errorf("%d events would be discarded; rerun with --yes", n)
		}
		if err := rs.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Discarded %d events.\n", n)
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("yes", false, "Confirm discarding the events")
}
