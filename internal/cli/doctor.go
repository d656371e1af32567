package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/config"
	"github.com/KafClaw/kafswarm/internal/doctor"
	"github.com/spf13/cobra"
)

var (
	doctorJSON    bool
	doctorTimeout time.Duration
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to the configured bus and stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		opts := doctor.Options{
			TimelinePath: cfg.Paths.TimelineDB,
			Timeout:      doctorTimeout,
		}
		if cfg.Store.Backend == config.BackendSQLite {
			opts.StorePath = cfg.Store.SQLitePath
		}
		if cfg.Bus.Backend == config.BackendKafka {
			opts.Kafka = &bus.KafkaOptions{
				Brokers:       cfg.Bus.Brokers(),
				ConsumerGroup: cfg.Bus.ConsumerGroup,
				SASLMechanism: cfg.Bus.SASLMechanism,
				Username:      cfg.Bus.SASLUsername,
				Password:      cfg.Bus.SASLPassword,
				TLS:           cfg.Bus.TLS,
			}
			opts.Topics = []string{bus.BroadcastTopic(cfg.Bus.Namespace)}
		}

		report := doctor.Run(cmd.Context(), opts)
		if doctorJSON {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
		} else {
			report.Print(cmd.OutOrStdout())
		}
		if report.HasFailed {
			return fmt.Errorf("one or more checks failed")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Print the report as JSON")
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 10*time.Second, "Per-check network timeout")
}
