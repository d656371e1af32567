package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/KafClaw/kafswarm/internal/config"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		printHeader(out, "🏷️ kafswarm Version")
		fmt.Fprintf(out, "Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and storage status",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		printHeader(out, "📊 kafswarm Status")
		fmt.Fprintf(out, "Version: %s\n", version)

		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(out, "Config:   ✓ Found (%s)\n", path)
		} else {
			fmt.Fprintf(out, "Config:   ✗ Not found (%s), using defaults\n", path)
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(out, "Config:   ✗ Invalid: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "Bus:      %s (namespace %s)\n", cfg.Bus.Backend, cfg.Bus.Namespace)
		if cfg.Bus.Backend == config.BackendKafka {
			fmt.Fprintf(out, "Brokers:  %v\n", cfg.Bus.Brokers())
		}
		fmt.Fprintf(out, "Store:    %s\n", cfg.Store.Backend)
		if cfg.Store.Backend == config.BackendSQLite {
			fmt.Fprintf(out, "Store DB: %s\n", cfg.Store.SQLitePath)
		}

		if _, err := os.Stat(cfg.Paths.TimelineDB); err != nil {
			fmt.Fprintf(out, "Timeline: ✗ No database yet (%s)\n", cfg.Paths.TimelineDB)
			return nil
		}
		tl, err := openTimeline(cfg)
		if err != nil {
			fmt.Fprintf(out, "Timeline: ✗ %v\n", err)
			return nil
		}
		defer tl.Close()
		recs, _ := tl.ListWorkflows("", 0, 0)
		today, _ := tl.GetDailyTokenUsage()
		fmt.Fprintf(out, "Timeline: ✓ %s (%d workflows, %d tokens today)\n", cfg.Paths.TimelineDB, len(recs), today)
		return nil
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List live agents in the registry",
	Long:  "Lists agents whose heartbeat has not expired. Only meaningful with a shared (sqlite) store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		backend, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer backend.Close()
		reg := newRegistry(cfg, backend)
		agents, err := reg.List(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer tw.Flush()
		fmt.Fprintln(tw, "ID\tPOD\tCAPABILITIES\tLOAD\tSUCCESS\tLATENCY\tLAST SEEN")
		for _, a := range agents {
			fmt.Fprintf(tw, "%s\t%s\t%v\t%d/%d\t%.2f\t%.0fms\t%s\n",
				a.ID, a.Pod, a.Capabilities, a.Load, a.MaxConcurrency, a.SuccessRate, a.AvgLatencyMs,
				a.LastHeartbeat.Format(time.RFC3339))
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		redacted := *cfg
		if redacted.Bus.SASLPassword != "" {
			redacted.Bus.SASLPassword = "********"
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(mustJSON(redacted)))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, path)
		if !configPathEnv {
			return nil
		}
		for _, f := range config.EnvFiles() {
			mark := "✗"
			if f.Exists {
				mark = "✓"
			}
			fmt.Fprintf(out, "%s env %s\n", mark, f.Path)
		}
		return nil
	},
}

var configPathEnv bool

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configPathCmd.Flags().BoolVar(&configPathEnv, "env", false, "Also list the env files consulted, in precedence order")
}

func mustJSON(v any) []byte {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return []byte(fmt.Sprintf("%q", err.Error()))
	}
	return data
}
