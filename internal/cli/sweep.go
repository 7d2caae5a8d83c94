package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/persona-chat-backend/internal/events"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one idle sweep and print how many chats were flagged",
	Long: `Run one idle sweep.

Assigned chats whose operator has been silent for longer than IDLE_THRESHOLD
are flagged idle_flagged and become eligible for reassignment. Events are
published when KAFKA_ENABLED is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := migratedStore()
		if err != nil {
			return err
		}
		pub, err := newPublisher(cfg.Kafka)
		if err != nil {
			return err
		}
		defer func(p events.Publisher) { _ = p.Close() }(pub)

		n, err := newApp(cfg, db, pub).monitor.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
		return nil
	},
}
