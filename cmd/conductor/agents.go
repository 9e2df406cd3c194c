package main

import (
	"errors"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/conductor/internal/config"
	"github.com/fentz26/conductor/internal/models"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List watched agents",
	Args:  cobra.NoArgs,
	RunE:  runAgentsList,
}

var agentsRegisterCmd = &cobra.Command{
	Use:   "register [agent-id]",
	Short: "Start watching an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsRegister,
}

var agentsTouchCmd = &cobra.Command{
	Use:   "touch [agent-id]",
	Short: "Record activity for an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsTouch,
}

var agentsPatrolCmd = &cobra.Command{
	Use:   "patrol [agent-id]",
	Short: "Hand an agent to the patroller now",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsPatrol,
}

var livenessCmd = &cobra.Command{
	Use:   "liveness",
	Short: "Show liveness thresholds",
	Args:  cobra.NoArgs,
	RunE:  runLivenessShow,
}

var livenessSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change liveness thresholds",
	Args:  cobra.NoArgs,
	RunE:  runLivenessSet,
}

var (
	agentOutput  string
	agentTimeout int
	setStuckSec  int
	setAgentSec  int
	setSweepMs   int
)

func init() {
	agentsCmd.AddCommand(agentsRegisterCmd, agentsTouchCmd, agentsPatrolCmd)
	agentsRegisterCmd.Flags().StringVar(&agentOutput, "output", "", "Output file whose writes count as activity")
	agentsRegisterCmd.Flags().IntVar(&agentTimeout, "timeout", 0, "Seconds without activity before the agent is stale (0 uses the default)")

	livenessCmd.AddCommand(livenessSetCmd)
	f := livenessSetCmd.Flags()
	f.IntVar(&setStuckSec, "stuck-threshold", 0, "Seconds without activity before a run is stuck")
	f.IntVar(&setAgentSec, "agent-timeout", 0, "Default agent timeout in seconds")
	f.IntVar(&setSweepMs, "sweep-interval-ms", 0, "Sweep interval for both detectors")
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	var agents []models.AgentLivenessRecord
	if err := apiGet("/v1/agents", &agents); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agents registered")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATUS\tLAST ACTIVITY\tTIMEOUT\tOUTPUT")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%ds\t%s\n",
			a.AgentID, a.Status, a.LastActivity.Format(time.RFC3339), a.TimeoutSeconds, truncate(a.OutputRef, 48))
	}
	w.Flush()
	return nil
}

func runAgentsRegister(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"agent_id":        args[0],
		"output_ref":      agentOutput,
		"timeout_seconds": agentTimeout,
	}
	var rec models.AgentLivenessRecord
	if err := apiSend(http.MethodPost, "/v1/agents", body, &rec); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (timeout %ds)\n", rec.AgentID, rec.TimeoutSeconds)
	return nil
}

func runAgentsTouch(cmd *cobra.Command, args []string) error {
	if err := apiSend(http.MethodPost, "/v1/agents/"+args[0]+"/touch", nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Touched %s\n", args[0])
	return nil
}

func runAgentsPatrol(cmd *cobra.Command, args []string) error {
	var rec models.AgentLivenessRecord
	if err := apiSend(http.MethodPost, "/v1/agents/"+args[0]+"/patrol", nil, &rec); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Patrol triggered for %s\n", rec.AgentID)
	return nil
}

func runLivenessShow(cmd *cobra.Command, args []string) error {
	var cfg config.LivenessConfig
	if err := apiGet("/v1/liveness/config", &cfg); err != nil {
		return err
	}
	printLiveness(cmd, cfg)
	return nil
}

func runLivenessSet(cmd *cobra.Command, args []string) error {
	body := changedInts(cmd, map[string]*int{
		"stuck-threshold":   &setStuckSec,
		"agent-timeout":     &setAgentSec,
		"sweep-interval-ms": &setSweepMs,
	}, map[string]string{
		"stuck-threshold":   "stuck_threshold_seconds",
		"agent-timeout":     "default_agent_timeout_seconds",
		"sweep-interval-ms": "sweep_interval_ms",
	})
	if len(body) == 0 {
		return errors.New("nothing to change")
	}
	var cfg config.LivenessConfig
	if err := apiSend(http.MethodPut, "/v1/liveness/config", body, &cfg); err != nil {
		return err
	}
	printLiveness(cmd, cfg)
	return nil
}

func printLiveness(cmd *cobra.Command, cfg config.LivenessConfig) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Stuck threshold:  %s\n", cfg.StuckThreshold())
	fmt.Fprintf(out, "Agent timeout:    %s\n", cfg.DefaultAgentTimeout())
	fmt.Fprintf(out, "Sweep interval:   %s\n", cfg.SweepInterval())
}
