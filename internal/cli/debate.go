package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sort"

	"github.com/KafClaw/kafswarm/internal/config"
	"github.com/spf13/cobra"
)

var (
	debateQuestion string
	debateVotes    map[string]string
	debateUser     string
)

var debateCmd = &cobra.Command{
	Use:   "debate <topic>",
	Short: "Resolve a decision among demo agents",
	Long: "Starts one agent per --vote entry, each holding a fixed position, and settles\n" +
		"their recommendations through the consensus engine.",
	Example: "  kafswarm debate launch --vote alice=publish --vote bob=publish --vote carol=hold",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(debateVotes) < 2 {
			return fmt.Errorf("at least two --vote entries are required")
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		s, err := buildSwarm(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		wf, err := s.debate(ctx, args[0], debateQuestion, debateVotes, debateUser)
		if err != nil {
			return err
		}
		return printWorkflow(cmd, wf)
	},
}

func init() {
	debateCmd.Flags().StringVar(&debateQuestion, "question", "", "Question put to the participants")
	debateCmd.Flags().StringToStringVar(&debateVotes, "vote", nil, "agent=decision (repeatable)")
	debateCmd.Flags().StringVar(&debateUser, "user", "cli", "Initiating user recorded on the workflow")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
