package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/kafswarm/internal/cli.version=1.2.3"
	version = "0.3.0"
	logo    = "\n" +
		"  _         __\n" +
		" | | ____ _/ _|_____      ____ _ _ __ _ __ ___\n" +
		" | |/ / _` | |_/ __\\ \\ /\\ / / _` | '__| '_ ` _ \\\n" +
		" |   < (_| |  _\\__ \\\\ V  V / (_| | |  | | | | | |\n" +
		" |_|\\_\\__,_|_| |___/ \\_/\\_/ \\__,_|_|  |_| |_| |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "kafswarm",
	Short: "kafswarm - multi-agent swarm coordination",
	Long:  color.CyanString(logo) + "\nMessage bus, shared context, agent registry, consensus and DAG workflows for agent swarms.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(debateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(workflowsCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(doctorCmd)
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}
