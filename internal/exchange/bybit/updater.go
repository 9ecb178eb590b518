package bybit

import (
	"encoding/json"

	"marketflow/internal/book"
	"marketflow/models"
)

// Updater reconstructs one Bybit book. Subscribing pushes a snapshot
// frame first; deltas are queued only while a REST resync is in flight.
type Updater struct {
	*book.Machine
}

func NewUpdater(maxPending int) *Updater {
	return &Updater{Machine: book.NewMachine(book.BybitRule, book.BufferPending, maxPending)}
}

func (u *Updater) Update(payload []byte) (book.Outcome, error) {
	var msg struct {
		Type string   `json:"type"`
		Ts   int64    `json:"ts"`
		Data bookData `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		u.Desync()
		return book.Outcome{}, models.NewMalformedPayload("orderbook", "", true, err)
	}

	// u == 1 marks a snapshot sent after a service restart.
	if msg.Type == "snapshot" || msg.Data.UpdateID == 1 {
		snap, err := snapshotOf(msg.Data, msg.Ts)
		if err != nil {
			return book.Outcome{}, err
		}
		u.DropPending()
		return u.Snapshot(snap)
	}
	if msg.Type != "delta" {
		return book.Outcome{}, models.NewMalformedPayload("type", msg.Type, false, nil)
	}

	snap, err := snapshotOf(msg.Data, msg.Ts)
	if err != nil {
		u.Desync()
		return book.Outcome{}, err
	}
	return u.Delta(book.Delta{
		FirstID:      msg.Data.UpdateID,
		LastID:       msg.Data.UpdateID,
		ExchangeTime: snap.ExchangeTime,
		Bids:         snap.Bids,
		Asks:         snap.Asks,
	})
}
