package binance

import (
	"encoding/json"

	"marketflow/internal/book"
	"marketflow/internal/exchange"
	"marketflow/models"
)

// Updater reconstructs one Binance book from diff depth events. The stream
// never carries a snapshot, so deltas are buffered until one is installed.
type Updater struct {
	*book.Machine
}

func NewUpdater(rule book.SequenceRule, maxPending int) *Updater {
	return &Updater{Machine: book.NewMachine(rule, book.BufferPending, maxPending)}
}

func (u *Updater) Update(payload []byte) (book.Outcome, error) {
	var ev depthUpdate
	if err := json.Unmarshal(payload, &ev); err != nil {
		u.Desync()
		return book.Outcome{}, models.NewMalformedPayload("depthUpdate", "", true, err)
	}

	bids, err := exchange.Levels("b", ev.Bids)
	if err != nil {
		u.Desync()
		return book.Outcome{}, err
	}
	asks, err := exchange.Levels("a", ev.Asks)
	if err != nil {
		u.Desync()
		return book.Outcome{}, err
	}

	d := book.Delta{
		FirstID:      ev.FirstUpdateID,
		LastID:       ev.LastUpdateID,
		ExchangeTime: exchange.Millis(ev.EventTime),
		Bids:         bids,
		Asks:         asks,
	}
	if ev.PrevLastUpdateID > 0 {
		d.PrevID = uint64(ev.PrevLastUpdateID)
	}
	return u.Delta(d)
}
