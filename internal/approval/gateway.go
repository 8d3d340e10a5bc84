// Package approval tracks the human-in-the-loop review of generated
// artifacts: request, resolution, and timeout handling.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"StudioFeed/internal/domain"
	"StudioFeed/internal/ports"
)

// Decision is a reviewer's answer.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Gateway drives the approval record embedded in a slot. All writes go
// through the slot repository's compare-and-swap, so racing callbacks lose
// cleanly instead of overwriting each other.
type Gateway struct {
	slots   ports.SlotRepository
	channel ports.ApprovalChannel
	logger  *slog.Logger
	now     func() time.Time
}

// New wires the gateway. channel may be nil in dry-run setups; requests then
// record the awaiting state without sending anything.
func New(slots ports.SlotRepository, channel ports.ApprovalChannel, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{slots: slots, channel: channel, logger: logger, now: time.Now}
}

// WithClock overrides the time source for tests.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Request notifies reviewers about the slot's artifact and moves the slot to
// awaiting_approval. Valid only for an unrequested approval record.
func (g *Gateway) Request(ctx context.Context, slot *domain.ScheduledSlot) error {
	if slot.Approval.Status != domain.ApprovalNone {
		return fmt.Errorf("approval for slot %s already requested: %w", slot.ID, domain.ErrInvalidTransition)
	}

	var messageRef string
	if g.channel != nil {
		ref, err := g.channel.Notify(ctx, slot)
		if err != nil {
			return domain.NewExternalCallError("approval channel", domain.StageNotification, err)
		}
		messageRef = ref
	}

	requestedAt := g.now()
	slot.Approval = domain.ApprovalRecord{
		Status:      domain.ApprovalAwaiting,
		MessageRef:  messageRef,
		RequestedAt: &requestedAt,
	}
	slot.Status = domain.StatusAwaitingApproval
	if err := g.slots.Update(ctx, slot); err != nil {
		return fmt.Errorf("record approval request: %w", err)
	}

	g.logger.Info("approval requested", "slot", slot.ID, "message_ref", messageRef)
	return nil
}

// Resolve records a reviewer decision. A second resolution of the same slot
// fails with ErrAlreadyResolved and changes nothing.
func (g *Gateway) Resolve(ctx context.Context, slotID string, decision Decision) (*domain.ScheduledSlot, error) {
	slot, err := g.slots.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}

	if slot.Approval.Status.Resolved() {
		return nil, fmt.Errorf("slot %s: %w", slotID, domain.ErrAlreadyResolved)
	}
	if slot.Approval.Status != domain.ApprovalAwaiting {
		return nil, fmt.Errorf("slot %s has no pending approval: %w", slotID, domain.ErrInvalidTransition)
	}

	respondedAt := g.now()
	slot.Approval.RespondedAt = &respondedAt
	switch decision {
	case DecisionApproved:
		slot.Approval.Status = domain.ApprovalApproved
		slot.Status = domain.StatusApproved
	case DecisionRejected:
		slot.Approval.Status = domain.ApprovalRejected
		slot.Status = domain.StatusRejected
	default:
		return nil, fmt.Errorf("unknown approval decision %q", decision)
	}

	if err := g.slots.Update(ctx, slot); err != nil {
		return nil, fmt.Errorf("record approval decision: %w", err)
	}

	g.logger.Info("approval resolved", "slot", slot.ID, "decision", decision)
	return slot, nil
}

// CheckTimeouts returns the IDs of awaiting slots whose approval request is
// older than the timeout window. Pure query, no mutation.
func (g *Gateway) CheckTimeouts(ctx context.Context, now time.Time, window time.Duration) ([]string, error) {
	slots, err := g.slots.List(ctx, ports.SlotFilter{ApprovalStatus: domain.ApprovalAwaiting})
	if err != nil {
		return nil, fmt.Errorf("list awaiting slots: %w", err)
	}

	var expired []string
	for _, slot := range slots {
		if slot.Approval.RequestedAt == nil {
			continue
		}
		if slot.Approval.RequestedAt.Add(window).Before(now) {
			expired = append(expired, slot.ID)
		}
	}
	return expired, nil
}

// ResolveTimeout closes an expired approval. Downstream the outcome equals a
// rejection, but the approval record keeps its own timeout reason code.
func (g *Gateway) ResolveTimeout(ctx context.Context, slotID string) error {
	slot, err := g.slots.Get(ctx, slotID)
	if err != nil {
		return err
	}
	if slot.Approval.Status.Resolved() {
		return fmt.Errorf("slot %s: %w", slotID, domain.ErrAlreadyResolved)
	}
	if slot.Approval.Status != domain.ApprovalAwaiting {
		return fmt.Errorf("slot %s has no pending approval: %w", slotID, domain.ErrInvalidTransition)
	}

	respondedAt := g.now()
	slot.Approval.Status = domain.ApprovalTimeout
	slot.Approval.RespondedAt = &respondedAt
	slot.Status = domain.StatusRejected
	slot.Error = &domain.StageError{
		Stage:   domain.StageNotification,
		Reason:  domain.ReasonApprovalTimeout,
		Message: "approval window expired without a reviewer response",
		At:      respondedAt,
	}
	if err := g.slots.Update(ctx, slot); err != nil {
		return fmt.Errorf("record approval timeout: %w", err)
	}

	g.logger.Warn("approval timed out", "slot", slot.ID)
	return nil
}
