package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/transfa/checkout-service/internal/domain"
	"github.com/transfa/checkout-service/internal/store"
)

// RedeliveryConsumer handles administrative webhook redelivery commands from the bus.
type RedeliveryConsumer struct {
	redeliverer Redeliverer
}

func NewRedeliveryConsumer(redeliverer Redeliverer) *RedeliveryConsumer {
	return &RedeliveryConsumer{redeliverer: redeliverer}
}

// HandleMessage returns false only for failures worth re-queuing.
func (c *RedeliveryConsumer) HandleMessage(body []byte) bool {
	var cmd domain.WebhookRedeliveryCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		log.Printf("level=warn component=redelivery_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}

	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		log.Printf("level=warn component=redelivery_consumer msg=\"missing session id\" requested_by=%q", cmd.RequestedBy)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := c.redeliverer.Redeliver(ctx, sessionID)
	switch {
	case err == nil:
		log.Printf("level=info component=redelivery_consumer msg=\"redelivery scheduled\" session_id=%s requested_by=%q", sessionID, cmd.RequestedBy)
		return true
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, ErrNotDeliverable):
		log.Printf("level=warn component=redelivery_consumer msg=\"redelivery rejected; acknowledging\" session_id=%s err=%v", sessionID, err)
		return true
	default:
		log.Printf("level=error component=redelivery_consumer msg=\"redelivery failed; re-queuing\" session_id=%s err=%v", sessionID, err)
		return false
	}
}
