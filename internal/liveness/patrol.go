package liveness

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/models"
)

// RecordingPatroller is the default patroller: it leaves restarting the
// agent to the operator and writes a decision record so the handoff is
// visible. Next, when set, is called after the record is written.
type RecordingPatroller struct {
	PDR    *audit.PDRWriter
	Logger *zap.Logger
	Next   Patroller
}

// Patrol implements Patroller.
func (p *RecordingPatroller) Patrol(ctx context.Context, agent models.AgentLivenessRecord) error {
	outcome := "recorded"
	var err error
	if p.Next != nil {
		if err = p.Next.Patrol(ctx, agent); err != nil {
			outcome = "failed"
		} else {
			outcome = "handed_off"
		}
	}

	details := fmt.Sprintf("last_activity=%s timeout_seconds=%d", agent.LastActivity.Format("2006-01-02T15:04:05Z07:00"), agent.TimeoutSeconds)
	if _, perr := p.PDR.Record(ctx, "agent.patrol", agent, outcome, agent.AgentID, details); perr != nil && p.Logger != nil {
		p.Logger.Warn("write patrol record", zap.String("agent_id", agent.AgentID), zap.Error(perr))
	}
	if p.Logger != nil {
		p.Logger.Info("patrol", zap.String("agent_id", agent.AgentID), zap.String("outcome", outcome))
	}
	return err
}
