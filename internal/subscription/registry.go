package subscription

import (
	"errors"
	"fmt"

	"marketflow/internal/exchange"
	"marketflow/logger"
	"marketflow/models"
)

// ErrEmpty is returned when a connection is configured without subscriptions.
var ErrEmpty = errors.New("no subscriptions")

// Build maps every subscription to the correlation id the exchange will put
// in inbound frames and encodes the outbound subscribe payloads.
//
// Two subscriptions encoding to the same id are rejected, including the same
// subscription listed twice. Stream kinds the exchange cannot serve are
// rejected here and never reach the wire.
func Build(c exchange.Connector, subs []models.Subscription) (models.SubscriptionMeta, error) {
	server := c.Server()
	if len(subs) == 0 {
		return models.SubscriptionMeta{}, fmt.Errorf("%s: %w", server.ID, ErrEmpty)
	}

	ids := make(models.SubscriptionIDs, len(subs))
	for _, sub := range subs {
		id, err := c.SubscriptionID(sub)
		if err != nil {
			return models.SubscriptionMeta{}, fmt.Errorf("subscription %s: %w", sub, err)
		}
		if prev, ok := ids[id]; ok {
			return models.SubscriptionMeta{}, fmt.Errorf("%s: %w: %q claimed by %s and %s",
				server.ID, models.ErrDuplicateSubscriptionID, id, prev, sub)
		}
		ids[id] = sub
	}

	req, err := c.Requests(subs)
	if err != nil {
		return models.SubscriptionMeta{}, fmt.Errorf("%s: encode subscribe requests: %w", server.ID, err)
	}

	logger.GetLogger().WithComponent("registry").WithFields(logger.Fields{
		"exchange":           server.ID,
		"subscriptions":      len(ids),
		"requests":           len(req.Messages),
		"expected_responses": req.ExpectedResponses,
	}).Debug("subscription meta built")

	return models.SubscriptionMeta{
		IDs:               ids,
		ExpectedResponses: req.ExpectedResponses,
		Subscriptions:     req.Messages,
	}, nil
}
