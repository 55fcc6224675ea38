package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/abhisek/beacon/internal/store"
	"github.com/abhisek/beacon/internal/ui/report"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show daily stats and recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		user, _ := cmd.Flags().GetString("user")
		days, _ := cmd.Flags().GetInt("days")
		limit, _ := cmd.Flags().GetInt("sessions")

		st, err := openStack(ctx, 0)
		if err != nil {
			return err
		}
		defer st.Close(ctx)

		out := cmd.OutOrStdout()
		if user != "" {
			today, err := st.Backend.GetDailyStat(ctx, user, st.Runtime.Stats().Date())
			if err != nil {
				return fmt.Errorf("read today's stats: %w", err)
			}
			fmt.Fprintln(out, report.Today(today, report.DefaultGoals(), 60))
			fmt.Fprintln(out)
		}

		stats, err := st.Backend.ListDailyStats(ctx, store.QueryOpts{
			UserID: user,
			From:   time.Now().AddDate(0, 0, -days+1),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, report.History(stats))
		fmt.Fprintln(out)

		sessions, err := st.Backend.RecentSessions(ctx, store.QueryOpts{UserID: user, Limit: limit})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, report.Sessions(sessions, time.Local))

		events, err := st.Backend.CountEvents(ctx)
		if err != nil {
			return err
		}
		pending, err := st.Runtime.Retry().Pending(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d events stored, %d waiting for retry\n", events, pending)
		return nil
	},
}

func init() {
	statsCmd.Flags().String("user", "", "Only show this user (also shows today's goals)")
	statsCmd.Flags().Int("days", 7, "Number of days of history")
	statsCmd.Flags().Int("sessions", 10, "Number of recent sessions")
}
