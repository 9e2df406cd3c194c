package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/models"
)

const defaultPatrolTimeout = 30 * time.Second

// CommandPatroller restarts or pokes a stale agent by running a local
// command with CONDUCTOR_AGENT_ID and CONDUCTOR_AGENT_OUTPUT set.
type CommandPatroller struct {
	Command string
	Args    []string
	Dir     string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Patrol implements liveness.Patroller. A non-zero exit is an error.
func (p *CommandPatroller) Patrol(ctx context.Context, agent models.AgentLivenessRecord) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultPatrolTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := runCommand(ctx, p.Dir, []string{
		"CONDUCTOR_AGENT_ID=" + agent.AgentID,
		"CONDUCTOR_AGENT_OUTPUT=" + agent.OutputRef,
	}, p.Command, p.Args)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("patrol command exited %d: %s", res.ExitCode, tail(res.Stderr, summaryBytes))
	}
	if p.Logger != nil {
		p.Logger.Info("patrol command finished",
			zap.String("agent_id", agent.AgentID),
			zap.String("stdout", tail(res.Stdout, summaryBytes)),
		)
	}
	return nil
}
