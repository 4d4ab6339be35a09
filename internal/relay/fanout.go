package relay

import (
	"context"
	"strconv"
	"time"

	"github.com/orgchat/relay/internal/metrics"
	"github.com/orgchat/relay/internal/models"
	"github.com/orgchat/relay/internal/push"
)

// pushCooldown is the minimum interval between consecutive pushes to the
// same user within an organization.
const pushCooldown = 5 * time.Minute

// fanOut loads the room's active participants and delivers the frame to
// everyone but the sender. It reports false without delivering anything when
// the sender is not an active participant.
func (e *Engine) fanOut(s *Session, room int64, outbound interface{}, title, body string) (bool, error) {
	participants, err := e.store.ListActiveParticipantIDs(s.ctx, room)
	if err != nil {
		return false, err
	}
	if !containsID(participants, s.userID) {
		return false, nil
	}
	e.deliver(s, room, participants, outbound, title, body)
	return true, nil
}

// deliver splits recipients into live sockets and push candidates. Each
// online user gets the frame on one connection; producing to a slow or
// closing connection drops silently. Offline users go through the cooldown
// policy and the push dispatcher.
func (e *Engine) deliver(s *Session, room int64, participants []int64, outbound interface{}, title, body string) {
	recipients := 0
	for _, userID := range participants {
		if userID == s.userID {
			continue
		}
		recipients++

		if conn := e.registry.ConnectionFor(userID); conn != nil {
			conn.queueOut(outbound)
			continue
		}
		e.maybePush(s, userID, room, title, body)
	}
	metrics.FanoutRecipients.Observe(float64(recipients))
}

// maybePush delivers a chat push to one offline recipient if the cooldown
// policy allows. The audit row and cooldown stamp are written here, at
// decision time, so two broadcasts inside the window can never both pass.
func (e *Engine) maybePush(s *Session, userID, room int64, title, body string) {
	allowed, err := e.canPush(s.ctx, userID, s.organizationID, room)
	if err != nil {
		e.logger.Error(s.ctx, "Push eligibility check failed for user %d: %v", userID, err)
		return
	}
	if !allowed {
		return
	}

	tokens, err := e.store.DeviceTokens(s.ctx, userID, s.organizationID)
	if err != nil {
		e.logger.Error(s.ctx, "Failed to load device tokens for user %d: %v", userID, err)
		return
	}
	if len(tokens) > 0 {
		e.pushq.Enqueue(push.Job{
			UserID: userID,
			Tokens: tokens,
			Note: push.Notification{
				Title: title,
				Body:  body,
				Data: map[string]string{
					"type": "chat_msg",
					"data": strconv.FormatInt(room, 10),
				},
			},
		})
	}

	if err := e.store.RecordNotification(s.ctx, userID, s.organizationID, title, models.NotificationTypeChat); err != nil {
		e.logger.Error(s.ctx, "Failed to record notification for user %d: %v", userID, err)
		return
	}
	e.stampCooldown(s.ctx, userID, s.organizationID)
}

// canPush implements the push policy: a silent participant row wins, then
// the Redis stamp short-circuits, then the audit table decides.
func (e *Engine) canPush(ctx context.Context, userID, organizationID, room int64) (bool, error) {
	silent, err := e.store.ParticipantSilent(ctx, room, userID, organizationID)
	if err != nil {
		return false, err
	}
	if silent {
		metrics.PushesSuppressed.WithLabelValues("silent").Inc()
		return false, nil
	}

	if e.throttle != nil {
		// Cache errors fall through to the audit table.
		if hit, err := e.throttle.WithinCooldown(ctx, userID, organizationID); err == nil && hit {
			metrics.PushesSuppressed.WithLabelValues("cooldown").Inc()
			return false, nil
		}
	}

	last, err := e.store.LastNotificationTime(ctx, userID, organizationID)
	if err != nil {
		return false, err
	}
	if !last.IsZero() && e.now().UTC().Sub(last) <= pushCooldown {
		metrics.PushesSuppressed.WithLabelValues("cooldown").Inc()
		return false, nil
	}
	return true, nil
}

func (e *Engine) stampCooldown(ctx context.Context, userID, organizationID int64) {
	if e.throttle == nil {
		return
	}
	if err := e.throttle.StampPush(ctx, userID, organizationID, pushCooldown); err != nil {
		e.logger.Warn(ctx, "Failed to stamp push cooldown for user %d: %v", userID, err)
	}
}
