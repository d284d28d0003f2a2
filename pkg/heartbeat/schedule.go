package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"vegeta/pkg/config"
	"vegeta/pkg/protocol"
)

// maxScheduleAttempts bounds retries of one schedule on one day.
const maxScheduleAttempts = 3

// ScheduleChannel is the origin channel of items created by schedules.
const ScheduleChannel = "schedule"

// runDueSchedule runs the first enabled schedule that is due today.
func (s *Scheduler) runDueSchedule(ctx context.Context, c *cycle) {
	local := c.now.Local()
	today := day(c.now)
	for _, sc := range c.settings.Schedules {
		due, attempts, err := s.scheduleDue(ctx, sc, local, today)
		if err != nil {
			c.fail(err)
			return
		}
		if !due {
			continue
		}

		item, err := scheduleItem(c.settings, sc, today)
		if err == nil {
			_, err = s.deps.Mailbox.Enqueue(ctx, item)
		}
		if err != nil {
			_ = s.deps.Memory.SetStatus(ctx, protocol.ScheduleAttemptsKey(sc.ID, today), strconv.Itoa(attempts+1))
			c.fail(fmt.Errorf("schedule %s (attempt %d): %w", sc.ID, attempts+1, err))
			return
		}
		if err := s.deps.Memory.SetStatus(ctx, protocol.ScheduleRunKey(sc.ID), today); err != nil {
			c.fail(fmt.Errorf("record schedule %s: %w", sc.ID, err))
		}
		c.act("schedule %s (%s) queued for @%s", sc.ID, sc.Type, item.ExplicitOwner)
		return
	}
}

// scheduleDue reports whether sc should run now, and how many attempts it
// already failed today.
func (s *Scheduler) scheduleDue(ctx context.Context, sc config.Schedule, local time.Time, today string) (bool, int, error) {
	if !sc.Enabled || local.Format("15:04") < sc.Time {
		return false, 0, nil
	}
	last, err := s.deps.Memory.GetStatus(ctx, protocol.ScheduleRunKey(sc.ID))
	if err != nil {
		return false, 0, fmt.Errorf("read schedule %s: %w", sc.ID, err)
	}
	if last == today {
		return false, 0, nil
	}
	raw, err := s.deps.Memory.GetStatus(ctx, protocol.ScheduleAttemptsKey(sc.ID, today))
	if err != nil {
		return false, 0, fmt.Errorf("read schedule %s attempts: %w", sc.ID, err)
	}
	attempts, _ := strconv.Atoi(raw)
	return attempts < maxScheduleAttempts, attempts, nil
}

// scheduleItem builds the WorkItem a schedule enqueues. daily goes to the
// schedule's team or agent; digest goes to the team leader.
func scheduleItem(s *config.Settings, sc config.Schedule, today string) (protocol.WorkItem, error) {
	item := protocol.WorkItem{
		Origin:   protocol.Origin{Channel: ScheduleChannel, SenderID: sc.ID},
		Priority: protocol.PriorityMedium,
	}
	switch sc.Type {
	case config.ScheduleDaily:
		item.ExplicitOwner = sc.AgentID
		if sc.TeamID != "" {
			item.ExplicitOwner = sc.TeamID
		}
		item.Payload = sc.Prompt
		if item.Payload == "" {
			item.Payload = "Daily update for " + today + ": report progress, blockers and next steps."
		}
	case config.ScheduleDigest:
		item.ExplicitOwner = sc.AgentID
		if sc.TeamID != "" {
			team, ok := s.Teams[sc.TeamID]
			if !ok {
				return item, fmt.Errorf("unknown team %q", sc.TeamID)
			}
			item.ExplicitOwner = team.Leader
		}
		item.Payload = sc.Prompt
		if item.Payload == "" {
			item.Payload = "Digest for " + today + ": summarise what the team completed, what is pending and what needs a decision."
		}
		item.Priority = protocol.PriorityHigh
	default:
		return item, fmt.Errorf("unknown schedule type %q", sc.Type)
	}
	if item.ExplicitOwner == "" {
		return item, fmt.Errorf("schedule %s has no target", sc.ID)
	}
	return item, nil
}
