package kucoin

import (
	"encoding/json"

	"marketflow/internal/book"
	"marketflow/internal/exchange"
	"marketflow/models"
)

// Updater reconstructs one KuCoin level2 book. Changes are buffered until
// the REST snapshot is installed.
type Updater struct {
	*book.Machine
}

func NewUpdater(maxPending int) *Updater {
	return &Updater{Machine: book.NewMachine(book.KuCoinRule, book.BufferPending, maxPending)}
}

func (u *Updater) Update(payload []byte) (book.Outcome, error) {
	var msg struct {
		Data l2Update `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		u.Desync()
		return book.Outcome{}, models.NewMalformedPayload("level2", "", true, err)
	}

	bids, err := exchange.SequencedLevels("changes.bids", msg.Data.Changes.Bids)
	if err != nil {
		u.Desync()
		return book.Outcome{}, err
	}
	asks, err := exchange.SequencedLevels("changes.asks", msg.Data.Changes.Asks)
	if err != nil {
		u.Desync()
		return book.Outcome{}, err
	}

	return u.Delta(book.Delta{
		FirstID:      msg.Data.SequenceStart,
		LastID:       msg.Data.SequenceEnd,
		ExchangeTime: exchange.Millis(msg.Data.Time),
		Bids:         priced(bids),
		Asks:         priced(asks),
	})
}

// priced drops sequence-only changes, which KuCoin sends with price "0".
func priced(levels []book.PriceLevel) []book.PriceLevel {
	out := levels[:0]
	for _, l := range levels {
		if l.Price == "0" {
			continue
		}
		out = append(out, l)
	}
	return out
}
