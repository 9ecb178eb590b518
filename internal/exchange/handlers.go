package exchange

import (
	"fmt"
	"time"

	"marketflow/internal/book"
	"marketflow/models"
)

// BookHandler adapts a book.Updater to Handler and renders outcomes as
// models.OrderBook values.
type BookHandler struct {
	exchange   string
	instrument models.Instrument
	depth      int
	updater    book.Updater
}

func NewBookHandler(exchange string, instrument models.Instrument, depth int, updater book.Updater) *BookHandler {
	return &BookHandler{exchange: exchange, instrument: instrument, depth: depth, updater: updater}
}

// Handle applies one routed frame. A detected gap yields no data and a
// *models.SequenceGapError without stream details; the transformer fills
// them in.
func (h *BookHandler) Handle(payload []byte, received time.Time) ([]models.MarketData, error) {
	out, err := h.updater.Update(payload)
	if err != nil {
		return nil, err
	}
	return h.render(out, received)
}

// ApplySnapshot installs a snapshot fetched out of band.
func (h *BookHandler) ApplySnapshot(s book.Snapshot, received time.Time) ([]models.MarketData, error) {
	out, err := h.updater.Snapshot(s)
	if err != nil {
		return nil, err
	}
	return h.render(out, received)
}

func (h *BookHandler) State() book.State { return h.updater.State() }

func (h *BookHandler) Book() *book.OrderBook { return h.updater.Book() }

// DroppedPending reports how many buffered deltas were evicted because the
// pending queue was full. Updaters without a queue report 0.
func (h *BookHandler) DroppedPending() int {
	if q, ok := h.updater.(interface{ DroppedPending() int }); ok {
		return q.DroppedPending()
	}
	return 0
}

func (h *BookHandler) render(out book.Outcome, received time.Time) ([]models.MarketData, error) {
	switch out.Kind {
	case book.Ignored:
		return nil, nil
	case book.GapDetected:
		return nil, &models.SequenceGapError{LastID: out.LastID, ReceivedID: out.ReceivedID}
	case book.Changed:
	default:
		return nil, fmt.Errorf("unknown book outcome %d", out.Kind)
	}

	bids, asks := h.updater.Book().Depth(h.depth)
	return []models.MarketData{models.OrderBook{
		Exchange:     h.exchange,
		Instrument:   h.instrument,
		UpdateID:     out.UpdateID,
		ReceivedTime: received,
		ExchangeTime: out.ExchangeTime,
		Snapshot:     out.Snapshot,
		Bids:         bids,
		Asks:         asks,
		Changes:      out.Changes,
	}}, nil
}

// Millis converts an exchange millisecond timestamp.
func Millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
