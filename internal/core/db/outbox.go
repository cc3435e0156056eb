package db

import (
	"context"
	"fmt"
	"time"

	"github.com/solatis/waypoint/internal/journey"
	"github.com/solatis/waypoint/internal/types"
)

// SendStatus is the delivery state of a queued send request.
type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

// Outbox is a journey.Delivery that queues send requests in send_requests
// for the delivery service to drain. The ledger entry id is the idempotency
// key, so a replayed action queues nothing new.
type Outbox struct {
	*Store
}

var _ journey.Delivery = (*Outbox)(nil)

// NewOutbox returns an outbox backed by s.
func NewOutbox(s *Store) *Outbox {
	return &Outbox{Store: s}
}

// QueuedSend is a row of the outbox.
type QueuedSend struct {
	ID         string     `db:"id"`
	CampaignID string     `db:"campaign_id"`
	UserID     string     `db:"user_id"`
	JourneyID  string     `db:"journey_id"`
	EntryID    string     `db:"entry_id"`
	Status     SendStatus `db:"status"`
	CreatedAt  time.Time  `db:"created_at"`
}

func (o *Outbox) Send(ctx context.Context, req journey.SendRequest) error {
	if _, err := o.q.Exec(ctx, o.db, "send-request-insert",
		types.NewID(), req.CampaignID, req.UserID, req.JourneyID, req.EntryID, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("queue send for entry %s: %w", req.EntryID, err)
	}
	return nil
}

// Pending returns up to limit queued requests, oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]QueuedSend, error) {
	var out []QueuedSend
	if err := o.q.Select(ctx, o.db, &out, "send-requests-pending", limit); err != nil {
		return nil, fmt.Errorf("load pending sends: %w", err)
	}
	for i := range out {
		out[i].CreatedAt = out[i].CreatedAt.UTC()
	}
	return out, nil
}

// Mark moves a pending request to status and reports whether it was pending.
func (o *Outbox) Mark(ctx context.Context, id string, status SendStatus, at time.Time) (bool, error) {
	res, err := o.q.Exec(ctx, o.db, "send-request-mark", string(status), at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark send %s: %w", id, err)
	}
	return affected(res) > 0, nil
}
