package cmd

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abhisek/beacon/internal/ui/report"
	"github.com/abhisek/beacon/internal/ui/theme"
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Simulate a practice session and record its telemetry",
	Long: "play signs a user in, visits the games page, plays a few games, " +
		"creates an asset and signs out, sending every event through the pipeline.",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		games, _ := cmd.Flags().GetInt("games")
		guest, _ := cmd.Flags().GetBool("guest")
		viewport, _ := cmd.Flags().GetInt("viewport")
		pause, _ := cmd.Flags().GetDuration("pause")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		st, err := openStack(ctx, viewport)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer done()
			if err := st.Close(closeCtx); err != nil {
				logger.Warn("shutdown", zap.Error(err))
			}
		}()

		rt := st.Runtime
		interrupted := rt.Watch(ctx)

		if guest {
			rt.LoginGuest(ctx)
		} else {
			rt.Login(ctx, user)
		}

		steps := []func(){
			func() { rt.PageView("/games") },
		}
		for i := 1; i <= games; i++ {
			gameID := fmt.Sprintf("quiz-%d", i)
			steps = append(steps,
				func() { rt.PageView("/games/" + gameID) },
				func() { rt.GameStart(gameID) },
				func() {
					score := 0.5 + rand.Float64()/2
					rt.GameEnd(gameID, score, int64(score*50))
				},
			)
		}
		steps = append(steps, func() { rt.AssetCreated("deck", "deck-1") })

		for _, step := range steps {
			select {
			case <-interrupted:
				fmt.Fprintln(cmd.ErrOrStderr(), "interrupted, unsent activity handed to the collector")
				return nil
			case <-time.After(pause):
			}
			step()
		}

		if guest {
			fmt.Fprintln(cmd.OutOrStdout(), theme.Hint.Render("Guest session: nothing was recorded."))
			return nil
		}
		rt.Logout(ctx)

		today, err := st.Backend.GetDailyStat(ctx, user, rt.Stats().Date())
		if err != nil {
			return fmt.Errorf("read today's stats: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), report.Today(today, report.DefaultGoals(), 60))
		return nil
	},
}

func init() {
	playCmd.Flags().String("user", "learner-1", "User ID to sign in as")
	playCmd.Flags().Int("games", 2, "Number of games to play")
	playCmd.Flags().Bool("guest", false, "Play as a guest (nothing is recorded)")
	playCmd.Flags().Int("viewport", 1280, "Viewport width used for the device class")
	playCmd.Flags().Duration("pause", 200*time.Millisecond, "Pause between actions")
}
