package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/config"
	"github.com/KafClaw/kafswarm/internal/timeline"
	"github.com/spf13/cobra"
)

var (
	historyKind   string
	historyLimit  int
	historyAudit  bool
	workflowsStat string
	workflowsMax  int
	usageSpace    string
)

var historyCmd = &cobra.Command{
	Use:   "history <workflow-id>",
	Short: "Show the recorded events of a workflow",
	Long: "Reads lifecycle, consensus and system events from the timeline database.\n" +
		"With --audit the full bus audit log is read from the configured store instead\n" +
		"(only useful with the sqlite store backend).",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer tw.Flush()
		fmt.Fprintln(tw, "TIME\tKIND\tORIGIN\tPAYLOAD")

		if historyAudit {
			backend, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer backend.Close()
			b := bus.New(bus.NewMemoryTransport(), backend, bus.WithNamespace(cfg.Bus.Namespace))
			var kinds []bus.Kind
			if historyKind != "" {
				kinds = []bus.Kind{bus.Kind(historyKind)}
			}
			msgs, err := b.EventHistory(cmd.Context(), args[0], kinds, historyLimit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Timestamp.Format("15:04:05.000"), m.Kind, m.Origin, encodePayload(m.Payload))
			}
			return nil
		}

		tl, err := openTimeline(cfg)
		if err != nil {
			return err
		}
		defer tl.Close()
		events, err := tl.GetEvents(timelineFilter(args[0], historyKind, historyLimit))
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("15:04:05.000"), e.Kind, e.Origin, e.Payload)
		}
		return nil
	},
}

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List recorded workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		tl, err := openTimeline(cfg)
		if err != nil {
			return err
		}
		defer tl.Close()
		recs, err := tl.ListWorkflows(workflowsStat, workflowsMax, 0)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer tw.Flush()
		fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tINITIATOR\tCREATED\tERROR")
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Type, r.Status, r.Initiator, r.CreatedAt.Format("2006-01-02 15:04:05"), r.ErrorText)
		}
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage per agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		tl, err := openTimeline(cfg)
		if err != nil {
			return err
		}
		defer tl.Close()
		rows, err := tl.UsageByAgent(usageSpace)
		if err != nil {
			return err
		}
		today, err := tl.GetDailyTokenUsage()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "AGENT\tACTIONS\tINPUT\tOUTPUT")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", r.AgentID, r.Actions, r.InputTokens, r.OutputTokens)
		}
		tw.Flush()
		fmt.Fprintf(cmd.OutOrStdout(), "Tokens today: %d\n", today)
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "Only show events of this kind (e.g. workflow.completed)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Maximum number of events (0 = all)")
	historyCmd.Flags().BoolVar(&historyAudit, "audit", false, "Read the bus audit log instead of the timeline")
	workflowsCmd.Flags().StringVar(&workflowsStat, "status", "", "Filter by status (e.g. COMPLETE, FAILED)")
	workflowsCmd.Flags().IntVar(&workflowsMax, "limit", 20, "Maximum number of workflows")
	usageCmd.Flags().StringVar(&usageSpace, "workspace", "", "Restrict to one workspace")
}

func timelineFilter(corr, kind string, limit int) timeline.FilterArgs {
	return timeline.FilterArgs{CorrelationID: corr, Kind: kind, Limit: limit}
}

func encodePayload(p map[string]any) string {
	if len(p) == 0 {
		return ""
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err.Error()
	}
	return string(data)
}
