package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/KafClaw/kafswarm/internal/bus"
	"github.com/KafClaw/kafswarm/internal/config"
	"github.com/KafClaw/kafswarm/internal/dag"
	"github.com/KafClaw/kafswarm/internal/orchestrator"
	"github.com/KafClaw/kafswarm/internal/registry"
	"github.com/KafClaw/kafswarm/internal/worker"
	"github.com/spf13/cobra"
)

var (
	runUser      string
	runWorkspace string
	runType      string
)

var runCmd = &cobra.Command{
	Use:   "run <graph.yaml>",
	Short: "Run a DAG workflow against an in-process demo swarm",
	Long: "Loads a workflow graph (YAML or JSON), starts one echo agent per step owner\n" +
		"or capability set, and executes the graph through the orchestrator.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := dag.LoadGraph(args[0])
		if err != nil {
			return err
		}
		if g.HasCycle() {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: graph has a dependency cycle; affected steps will block")
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

		wf, err := s.runGraph(ctx, *g, runType, runUser, runWorkspace)
		if err != nil {
			return err
		}
		return printWorkflow(cmd, wf)
	},
}

func init() {
	runCmd.Flags().StringVar(&runUser, "user", "cli", "Initiating user recorded on the workflow")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "default", "Workspace used for usage accounting")
	runCmd.Flags().StringVar(&runType, "type", "dag", "Workflow type label")
}

// runGraph executes g with demo workers and returns the finished workflow.
func (s *swarm) runGraph(parent context.Context, g dag.Graph, wfType, user, workspace string) (*orchestrator.Workflow, error) {
	ctx, cancel := context.WithCancel(parent)
	s.recordTimeline(ctx)
	wait, err := s.startWorkers(ctx, graphAgents(g), echoTask, nil)
	defer func() {
		cancel()
		wait()
	}()
	if err != nil {
		return nil, err
	}

	goal := map[string]any{"dag": g}
	if g.Name != "" {
		goal["name"] = g.Name
	}
	wf, err := s.orch.CreateWorkflow(ctx, wfType, goal, user, workspace)
	if err != nil {
		return nil, err
	}
	wf, err = s.orch.ExecuteWorkflow(ctx, wf.ID, nil)
	if err != nil {
		return wf, err
	}
	s.drainTimeline(wf.ID, time.Second)
	return wf, nil
}

// debate runs one consensus debate among fixed voters inside a workflow.
func (s *swarm) debate(parent context.Context, topic, question string, votes map[string]string, user string) (*orchestrator.Workflow, error) {
	ctx, cancel := context.WithCancel(parent)
	s.recordTimeline(ctx)

	agents := make([]registry.Agent, 0, len(votes))
	for _, id := range sortedKeys(votes) {
		agents = append(agents, registry.Agent{ID: id, Name: id, Capabilities: []string{"debate"}})
	}
	wait, err := s.startWorkers(ctx, agents, nil, func(id string) []worker.Option {
		return []worker.Option{worker.WithDeliberator(fixedVote(votes[id], 0.8))}
	})
	defer func() {
		cancel()
		wait()
	}()
	if err != nil {
		return nil, err
	}

	wf, err := s.orch.CreateWorkflow(ctx, "debate", map[string]any{"topic": topic, "question": question}, user, "")
	if err != nil {
		return nil, err
	}
	wf, err = s.orch.ExecuteWorkflow(ctx, wf.ID, func(ctx context.Context, wf *orchestrator.Workflow) (any, error) {
		recs := make([]orchestrator.Recommendation, 0, len(votes))
		for _, id := range sortedKeys(votes) {
			recs = append(recs, orchestrator.Recommendation{AgentID: id, Decision: votes[id], Confidence: 0.8})
		}
		return s.orch.ResolveConflicts(ctx, wf.ID, recs, map[string]any{"topic": topic, "question": question})
	})
	if err != nil {
		return wf, err
	}
	s.drainTimeline(wf.ID, time.Second)
	return wf, nil
}

// drainTimeline waits until the terminal event of id has been recorded.
func (s *swarm) drainTimeline(id string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, k := range []bus.Kind{bus.KindWorkflowCompleted, bus.KindWorkflowFailed, bus.KindWorkflowCancelled} {
			evs, err := s.timeline.GetEvents(timelineFilter(id, string(k), 1))
			if err == nil && len(evs) > 0 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func printWorkflow(cmd *cobra.Command, wf *orchestrator.Workflow) error {
	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	if wf.Status != orchestrator.StatusComplete {
		return fmt.Errorf("workflow %s finished %s", wf.ID, wf.Status)
	}
	return nil
}
