package nats

import (
	"context"
	"fmt"

	"github.com/helmcode/crewnet/internal/protocol"
)

// Publisher is the part of Client the Nudger needs.
type Publisher interface {
	Publish(subject string, msg *protocol.Message) error
	FlushContext(ctx context.Context) error
}

// Nudger delivers control commands by publishing a system_command message
// on the agent's control subject.
type Nudger struct {
	pub  Publisher
	from string
}

// NewNudger returns a Nudger publishing through pub. from names the sender
// in every envelope.
func NewNudger(pub Publisher, from string) *Nudger {
	return &Nudger{pub: pub, from: from}
}

// WriteControl publishes command to team.<teamID>.control.<agentID> and
// waits for the server to acknowledge the flush.
func (n *Nudger) WriteControl(ctx context.Context, teamID, agentID, command string) error {
	subject, err := protocol.AgentControlSubject(teamID, agentID)
	if err != nil {
		return err
	}
	msg, err := protocol.NewMessage(n.from, agentID, protocol.TypeSystemCommand, protocol.SystemCommandPayload{Command: command})
	if err != nil {
		return err
	}
	if err := n.pub.Publish(subject, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		return nil
	}
	if err := n.pub.FlushContext(ctx); err != nil {
		return fmt.Errorf("flushing %s: %w", subject, err)
	}
	return nil
}
