package book

import (
	"time"

	"github.com/shopspring/decimal"

	"marketflow/models"
)

// State of a local book reconstruction.
type State int

const (
	Uninitialized State = iota
	Initialized
	Desynced
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Desynced:
		return "desynced"
	default:
		return "unknown"
	}
}

// PriceLevel is a level as the exchange sent it. Sequence is set only by
// exchanges that number individual changes.
type PriceLevel struct {
	Price    string
	Quantity string
	Sequence uint64
}

// Snapshot is a full ladder with its native update id.
type Snapshot struct {
	UpdateID     uint64
	ExchangeTime time.Time
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// Delta is an incremental update. FirstID/LastID bound the native ids the
// delta covers; PrevID is the id the exchange says must precede it.
type Delta struct {
	FirstID      uint64
	LastID       uint64
	PrevID       uint64
	ExchangeTime time.Time
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// OutcomeKind classifies what one frame did to the book.
type OutcomeKind int

const (
	Ignored OutcomeKind = iota
	Changed
	GapDetected
)

func (k OutcomeKind) String() string {
	switch k {
	case Ignored:
		return "ignored"
	case Changed:
		return "changed"
	case GapDetected:
		return "gap_detected"
	default:
		return "unknown"
	}
}

// Outcome is the structured result of applying a frame.
type Outcome struct {
	Kind         OutcomeKind
	Snapshot     bool
	UpdateID     uint64
	ExchangeTime time.Time
	Changes      []models.LevelChange

	// Set when Kind is GapDetected.
	LastID     uint64
	ReceivedID uint64
}

// Updater is the per-exchange-family book capability. Update parses one
// routed frame payload; Snapshot installs a snapshot fetched out of band.
type Updater interface {
	Update(payload []byte) (Outcome, error)
	Snapshot(s Snapshot) (Outcome, error)
	State() State
	Book() *OrderBook
}

func parseLevels(side models.Side, raw []PriceLevel) ([]models.LevelChange, error) {
	out := make([]models.LevelChange, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, models.NewMalformedPayload(string(side)+".price", l.Price, false, err)
		}
		qty, err := decimal.NewFromString(l.Quantity)
		if err != nil {
			return nil, models.NewMalformedPayload(string(side)+".quantity", l.Quantity, false, err)
		}
		out = append(out, models.LevelChange{Side: side, Level: models.Level{Price: price, Quantity: qty}})
	}
	return out, nil
}
